package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/nexus-im/supportdesk/internal/chatsync"
	"github.com/nexus-im/supportdesk/internal/config"
	"github.com/nexus-im/supportdesk/store/conversation"
)

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "Base URL of the support chat server",
			Value:   "http://localhost:8080",
			EnvVars: []string{"SUPPORTDESK_SERVER_URL"},
		},
		&cli.StringFlag{Name: "email", Required: true, EnvVars: []string{"SUPPORTDESK_CLIENT_EMAIL"}},
		&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"SUPPORTDESK_CLIENT_PASSWORD"}},
		&cli.BoolFlag{Name: "admin", Usage: "Log in as an operator"},
	}
}

func login(c *cli.Context) (*chatsync.HTTPTransport, error) {
	t := chatsync.NewHTTPTransport(c.String("server"))
	if err := t.Login(c.Context, c.String("email"), c.String("password"), c.Bool("admin")); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return t, nil
}

// ChatCommand is a terminal client for one conversation.
func ChatCommand() *cli.Command {
	conversationFlag := func() cli.Flag {
		return &cli.Int64Flag{
			Name:     "conversation",
			Aliases:  []string{"c"},
			Usage:    "Conversation key (the buyer id)",
			Required: true,
		}
	}
	return &cli.Command{
		Name:  "chat",
		Usage: "Follow or write to a conversation",
		Subcommands: []*cli.Command{
			{
				Name:  "tail",
				Usage: "Print the conversation and follow new messages",
				Flags: append(clientFlags(),
					conversationFlag(),
					&cli.DurationFlag{Name: "interval", Usage: "Poll interval (overrides chat.poll_interval)"},
					&cli.BoolFlag{Name: "no-push", Usage: "Poll only, skip the websocket hints"},
				),
				Action: runChatTail,
			},
			{
				Name:  "send",
				Usage: "Send one message",
				Flags: append(clientFlags(),
					conversationFlag(),
					&cli.StringFlag{Name: "body", Aliases: []string{"m"}, Required: true},
				),
				Action: runChatSend,
			},
		},
	}
}

func runChatTail(c *cli.Context) error {
	cfg, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	t, err := login(c)
	if err != nil {
		return err
	}
	buyerID := c.Int64("conversation")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := syncOptions(cfg, c.Duration("interval"))
	opts.OnMessages = func(_ int64, msgs []conversation.Message) {
		for _, m := range msgs {
			printMessage(m)
		}
	}
	opts.OnError = func(err error) {
		log.Debug().Err(err).Msg("Poll failed")
	}
	s := chatsync.NewSession(t, opts)
	s.Open(buyerID, 0)
	defer s.Close()

	if !c.Bool("no-push") {
		go followHints(ctx, c.String("server"), t.Token, buyerID, s)
	}

	<-ctx.Done()
	return nil
}

// syncOptions takes the poll settings from the chat section. A non-zero
// interval replaces chat.poll_interval; a configured timeout shorter than it
// falls back to the session default.
func syncOptions(cfg *config.Config, interval time.Duration) chatsync.Options {
	opts := chatsync.Options{
		Interval:   cfg.Chat.PollInterval,
		Timeout:    cfg.Chat.PollTimeout,
		MaxBackoff: cfg.Chat.MaxBackoff,
	}
	if interval > 0 {
		opts.Interval = interval
		if opts.Timeout < interval {
			opts.Timeout = 0
		}
	}
	return opts
}

// followHints nudges the session on every push hint. Losing the socket only
// costs latency; polling continues.
func followHints(ctx context.Context, server, token string, buyerID int64, s *chatsync.Session) {
	u, err := url.Parse(server)
	if err != nil {
		return
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{
		"token":        {token},
		"conversation": {fmt.Sprint(buyerID)},
	}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		log.Debug().Err(err).Msg("Push unavailable, polling only")
		return
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		s.Nudge()
	}
}

func printMessage(m conversation.Message) {
	who := "buyer"
	if m.Sender == conversation.RoleAdmin {
		who = "support"
	}
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), who, m.Body)
	if m.ImagePath != "" {
		fmt.Printf("    attachment: %s\n", m.ImagePath)
	}
}

func runChatSend(c *cli.Context) error {
	t, err := login(c)
	if err != nil {
		return err
	}
	msg, err := t.Send(c.Context, c.Int64("conversation"), c.String("body"))
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	fmt.Printf("Sent message %d\n", msg.ID)
	return nil
}

// InboxCommand lists conversations for an operator.
func InboxCommand() *cli.Command {
	return &cli.Command{
		Name:  "inbox",
		Usage: "List buyer conversations (operators only)",
		Flags: append(clientFlags(),
			&cli.BoolFlag{Name: "unread", Usage: "Only conversations with unread messages"},
			&cli.StringFlag{Name: "q", Usage: "Search names, emails and message text"},
			&cli.IntFlag{Name: "page", Value: 1},
			&cli.IntFlag{Name: "page-size", Value: 20},
		),
		Action: runInbox,
	}
}

const previewLength = 40

func runInbox(c *cli.Context) error {
	t, err := login(c)
	if err != nil {
		return err
	}

	filter := conversation.Filter{UnreadOnly: c.Bool("unread"), Search: c.String("q")}
	convs, err := t.ListConversations(c.Context, filter, c.Int("page"), c.Int("page-size"))
	if err != nil {
		return err
	}
	total, err := t.TotalUnread(c.Context)
	if err != nil {
		return err
	}

	fmt.Printf("%s unread across all conversations\n\n", humanize.Comma(int64(total)))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tBUYER\tUNREAD\tLAST\tMESSAGE")
	for _, conv := range convs {
		fmt.Fprintf(w, "%d\t%s <%s>\t%d\t%s\t%s\n",
			conv.BuyerID, conv.DisplayName, conv.Email, conv.UnreadCount,
			humanize.Time(conv.LastMessageTime), preview(conv.LastMessage))
	}
	return w.Flush()
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength-1]) + "…"
}
