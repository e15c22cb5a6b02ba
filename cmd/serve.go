package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/nexus-im/supportdesk/internal/api"
	"github.com/nexus-im/supportdesk/internal/auth"
	"github.com/nexus-im/supportdesk/internal/chat"
	"github.com/nexus-im/supportdesk/internal/hub"
	"github.com/nexus-im/supportdesk/store/admin"
	"github.com/nexus-im/supportdesk/store/conversation"
	"github.com/nexus-im/supportdesk/store/schema"
	"github.com/nexus-im/supportdesk/store/session"
	"github.com/nexus-im/supportdesk/store/user"
)

const (
	janitorInterval = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

// ServeCommand returns the command that runs the HTTP and websocket server.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the support chat server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "http service address (overrides server.addr)",
			},
			&cli.BoolFlag{
				Name:  "memory",
				Usage: "Keep everything in process memory instead of postgres",
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "Apply the schema before serving",
			},
			&cli.StringFlag{
				Name:    "admin-email",
				Usage:   "Seed an admin account (memory mode)",
				EnvVars: []string{"SUPPORTDESK_SEED_ADMIN_EMAIL"},
			},
			&cli.StringFlag{
				Name:    "admin-password",
				Usage:   "Password for the seeded admin",
				EnvVars: []string{"SUPPORTDESK_SEED_ADMIN_PASSWORD"},
			},
		},
		Action: runServe,
	}
}

type stores struct {
	conversations conversation.Store
	users         user.Store
	admins        admin.Store
	sessions      session.Store
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st stores
	if c.Bool("memory") {
		st = memoryStores()
		log.Warn().Msg("Running with in-memory stores, nothing survives a restart")
	} else {
		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Error closing db")
			}
		}()
		if c.Bool("migrate") {
			if err := schema.Migrate(ctx, db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			log.Info().Msg("Schema applied")
		}
		st = sqlStores(db)
	}

	if email := c.String("admin-email"); email != "" {
		if err := createAdmin(ctx, st.admins, email, c.String("admin-password")); err != nil && !errors.Is(err, admin.ErrDuplicateEmail) {
			return err
		}
	}

	h := hub.New()
	go h.Run(ctx)

	svc := chat.NewService(st.conversations, st.users, h, chat.Options{
		PageSize:          cfg.Chat.PageSize,
		MaxPageSize:       cfg.Chat.MaxPageSize,
		AdminActiveWindow: cfg.Chat.AdminActiveWindow,
	})

	server := api.NewServer(api.Deps{
		Chat:             svc,
		Users:            st.users,
		Admins:           st.admins,
		Sessions:         st.sessions,
		Auth:             auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		Hub:              h,
		AdminIdleTimeout: cfg.Auth.AdminIdleTimeout,
		RateLimit:        api.RateLimit{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst},
	})

	go runJanitor(ctx, st.sessions, server)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func memoryStores() stores {
	users := user.NewMemoryStore()
	return stores{
		conversations: conversation.NewMemoryStore(users.Lookup),
		users:         users,
		admins:        admin.NewMemoryStore(),
		sessions:      session.NewMemoryStore(),
	}
}

func sqlStores(db *sql.DB) stores {
	return stores{
		conversations: conversation.NewSQLStore(db),
		users:         user.NewSQLStore(db),
		admins:        admin.NewSQLStore(db),
		sessions:      session.NewSQLStore(db),
	}
}

// runJanitor purges sessions past their hard expiry and idle send limiters.
func runJanitor(ctx context.Context, sessions session.Store, server *api.Server) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if pruned := server.PruneLimiters(now); pruned > 0 {
				log.Debug().Int("limiters", pruned).Msg("Idle rate limiters removed")
			}
			n, err := sessions.DeleteExpired(ctx, now)
			if err != nil {
				log.Warn().Err(err).Msg("Session cleanup failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("Expired sessions removed")
			}
		}
	}
}
