package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-im/supportdesk/internal/apperr"
	"github.com/nexus-im/supportdesk/internal/chat"
	"github.com/nexus-im/supportdesk/store/conversation"
)

// HTTPTransport speaks the JSON API with a bearer token.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client

	// MarkRead controls whether fetching acknowledges the other side's
	// messages. Interactive views want this; tooling that only peeks does not.
	MarkRead bool
}

func NewHTTPTransport(baseURL string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Client:   &http.Client{Timeout: 30 * time.Second},
		MarkRead: true,
	}
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// Login authenticates as a buyer, or as an admin when admin is set, and keeps
// the issued token for later calls.
func (t *HTTPTransport) Login(ctx context.Context, email, password string, admin bool) error {
	path := "/api/login"
	if admin {
		path = "/api/admin/login"
	}
	var resp loginResponse
	body := map[string]string{"email": email, "password": password}
	if err := t.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	t.Token = resp.Token
	return nil
}

type messagesResponse struct {
	Conversation int64                  `json:"conversation"`
	Messages     []conversation.Message `json:"messages"`
}

func (t *HTTPTransport) ListSince(ctx context.Context, buyerID, since int64) ([]conversation.Message, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if !t.MarkRead {
		q.Set("mark_read", "false")
	}
	var resp messagesResponse
	path := fmt.Sprintf("/api/conversations/%d/messages?%s", buyerID, q.Encode())
	if err := t.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (t *HTTPTransport) Send(ctx context.Context, buyerID int64, body string) (*conversation.Message, error) {
	var msg conversation.Message
	path := fmt.Sprintf("/api/conversations/%d/messages", buyerID)
	if err := t.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

type conversationsResponse struct {
	Conversations []conversation.Summary `json:"conversations"`
}

func (t *HTTPTransport) ListConversations(ctx context.Context, filter conversation.Filter, page, pageSize int) ([]conversation.Summary, error) {
	q := url.Values{}
	if filter.UnreadOnly {
		q.Set("unread", "true")
	}
	if filter.Search != "" {
		q.Set("q", filter.Search)
	}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	var resp conversationsResponse
	if err := t.do(ctx, http.MethodGet, "/api/conversations?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (t *HTTPTransport) Status(ctx context.Context, buyerID int64) (chat.Status, error) {
	var st chat.Status
	err := t.do(ctx, http.MethodGet, fmt.Sprintf("/api/conversations/%d/status", buyerID), nil, &st)
	return st, err
}

func (t *HTTPTransport) TotalUnread(ctx context.Context) (int, error) {
	var resp struct {
		TotalUnread int `json:"total_unread"`
	}
	err := t.do(ctx, http.MethodGet, "/api/inbox/unread", nil, &resp)
	return resp.TotalUnread, err
}

func (t *HTTPTransport) Clear(ctx context.Context, buyerID int64) error {
	return t.do(ctx, http.MethodPost, fmt.Sprintf("/api/conversations/%d/clear", buyerID), nil, nil)
}

type errorEnvelope struct {
	Error struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

// do sends a JSON request. Error bodies come back as *apperr.Error so callers
// can branch on the code the server chose.
func (t *HTTPTransport) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeUnavailable, "request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		var env errorEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || env.Error.Code == "" {
			return apperr.New(apperr.CodeUnknown, fmt.Sprintf("unexpected status %d", resp.StatusCode))
		}
		return apperr.New(env.Error.Code, env.Error.Message)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
