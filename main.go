package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/nexus-im/supportdesk/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "supportdesk",
		Usage:   "Buyer and operator support chat for the storefront",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"SUPPORTDESK_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.MigrateCommand(),
			cmd.AdminCommand(),
			cmd.ChatCommand(),
			cmd.InboxCommand(),
			cmd.ConfigCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
