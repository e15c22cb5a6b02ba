package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/nexus-im/supportdesk/internal/auth"
	"github.com/nexus-im/supportdesk/internal/config"
	"github.com/nexus-im/supportdesk/internal/logging"
	"github.com/nexus-im/supportdesk/store/admin"

	_ "github.com/lib/pq"
)

// loadConfig reads and validates the configuration named by the global
// --config flag and sets up logging from it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadClientConfig reads the configuration for the terminal clients. The
// server-side checks in config.Validate do not apply to them.
func loadClientConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	return cfg, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		// The database may still be starting (docker); requests fail with
		// 503 until it is reachable.
		log.Warn().Err(err).Msg("Database unreachable")
	} else {
		log.Info().Msg("Connected to database")
	}
	return db, nil
}

func createAdmin(ctx context.Context, admins admin.Store, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return errors.New("admin email is required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	a := &admin.Admin{Email: email, PasswordHash: hash}
	if err := admins.Create(ctx, a); err != nil {
		return err
	}
	log.Info().Int64("admin_id", a.ID).Str("email", a.Email).Msg("Admin created")
	return nil
}
