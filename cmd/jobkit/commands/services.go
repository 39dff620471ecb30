package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/vinayprograms/jobkit/credentials"
	"github.com/vinayprograms/jobkit/llm"
)

// NewServicesCommand returns the services subcommand.
func NewServicesCommand() *cli.Command {
	return &cli.Command{
		Name:   "services",
		Usage:  "List model services with their rate limits",
		Action: runServices,
	}
}

func runServices(_ context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	creds, _, err := credentials.Load()
	if err != nil {
		return err
	}
	reg := llm.DefaultRegistry()
	if err := cfg.ApplyLimits(reg); err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tRPM\tTPM\tKEY")
	for _, svc := range reg.Services() {
		key := "-"
		switch {
		case svc.EnvKey == "":
			key = "not needed"
		case creds.APIKey(svc.Name, svc.EnvKey) != "":
			key = "set"
		}
		fmt.Fprintf(w, "%s\t%g\t%g\t%s\n", svc.Name, svc.Limits.RPM, svc.Limits.TPM, key)
	}
	return w.Flush()
}
