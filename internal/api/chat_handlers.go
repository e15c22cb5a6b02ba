package api

import (
	"net/http"
	"strings"

	"github.com/nexus-im/supportdesk/internal/apperr"
	"github.com/nexus-im/supportdesk/internal/auth"
	"github.com/nexus-im/supportdesk/internal/hub"
	"github.com/nexus-im/supportdesk/store/conversation"
)

type messagesResponse struct {
	Conversation int64                  `json:"conversation"`
	Messages     []conversation.Message `json:"messages"`
	Cursor       int64                  `json:"cursor"`
}

type sendRequest struct {
	Body      string `json:"body"`
	ImagePath string `json:"image_path"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pageSize, err := queryInt(r, "page_size", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter := conversation.Filter{
		UnreadOnly: queryBool(r, "unread", false),
		Search:     strings.TrimSpace(r.URL.Query().Get("q")),
	}

	out, err := s.chat.ListConversations(r.Context(), actor, filter, int(page), int(pageSize))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out, "page": page})
}

func (s *Server) handleTotalUnread(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	n, err := s.chat.TotalUnread(r.Context(), actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total_unread": n})
}

// handleListMessages is the polling endpoint. Fetching marks the other side's
// messages read unless mark_read=false.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	since, err := queryInt(r, "since", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	markRead := queryBool(r, "mark_read", true)
	var msgs []conversation.Message
	if markRead {
		msgs, err = s.chat.ListSinceAndMarkRead(r.Context(), actor, id, since, int(limit))
	} else {
		msgs, err = s.chat.ListSince(r.Context(), actor, id, since, int(limit))
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.polled(markRead, len(msgs))

	cursor := since
	if len(msgs) > 0 {
		cursor = msgs[len(msgs)-1].ID
	}
	writeJSON(w, http.StatusOK, messagesResponse{Conversation: id, Messages: msgs, Cursor: cursor})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if actor.Authenticated() && !s.limiter.Allow(limiterKey(actor), s.now()) {
		s.metrics.rateLimited.Inc()
		writeError(w, r, apperr.RateLimited("too many messages, slow down"))
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	msg, err := s.chat.Send(r.Context(), actor, id, req.Body, req.ImagePath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.messagesSent.WithLabelValues(string(msg.Sender)).Inc()
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.chat.MarkRead(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.chat.UnreadCount(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := s.chat.Status(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.chat.Clear(r.Context(), actor, id); err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.cleared.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// handleWs subscribes to push hints. Browsers cannot set headers on a
// websocket handshake, so the token travels as a query parameter.
func (s *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, r, apperr.Unauthenticated("authentication required"))
		return
	}
	actor, err := s.resolve(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	key, err := queryInt(r, "conversation", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if key == 0 && !actor.IsAdmin() {
		key = actor.ID
	}
	if key != 0 {
		if err := actor.RequireConversation(key); err != nil {
			writeError(w, r, apperr.Authorization("access denied", err))
			return
		}
	}

	hub.ServeWs(s.hub, actor, key, w, r)
}
