package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/nexus-im/supportdesk/store/admin"
	"github.com/nexus-im/supportdesk/store/schema"
)

// MigrateCommand applies the embedded schema.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the database tables",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			db, err := openDB(c.Context, cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			if err := schema.Migrate(c.Context, db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("Schema applied")
			return nil
		},
	}
}

// AdminCommand manages operator accounts.
func AdminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Manage support operators",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create an admin account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"SUPPORTDESK_ADMIN_PASSWORD"}},
				},
				Action: runAdminCreate,
			},
		},
	}
}

func runAdminCreate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := openDB(c.Context, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	err = createAdmin(c.Context, admin.NewSQLStore(db), c.String("email"), c.String("password"))
	if errors.Is(err, admin.ErrDuplicateEmail) {
		return fmt.Errorf("an admin with email %s already exists", c.String("email"))
	}
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}
	fmt.Printf("Created admin %s\n", c.String("email"))
	return nil
}
