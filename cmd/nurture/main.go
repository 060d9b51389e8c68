package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "nurture",
		Usage:                 "Workflow engine for lead follow-up automation",
		Version:               version,
		EnableShellCompletion: true,
		Flags:                 configFlags(),
		Commands: []*cli.Command{
			newServeCommand(),
			newMigrateCommand(),
			newValidateCommand(),
			newStartCommand(),
			newPublishCommand(),
			newSweepCommand(),
			newInstallCommand(),
		},
	}
}

func main() {
	if err := newRootCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
