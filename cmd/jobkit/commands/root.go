// Package commands implements the jobkit command line.
package commands

import (
	"github.com/urfave/cli/v3"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobkit",
		Usage: "Run batches of model interviews under rate limits",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override logging.level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			NewRunCommand(),
			NewServicesCommand(),
		},
	}
}
