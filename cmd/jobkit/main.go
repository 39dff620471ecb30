package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vinayprograms/jobkit/cmd/jobkit/commands"
)

func main() {
	cmd := commands.NewRootCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "jobkit:", err)
		os.Exit(1)
	}
}
