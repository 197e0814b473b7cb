package main

import (
	"os"

	"github.com/grovetools/daas/cli"
	"github.com/grovetools/daas/cmd"
)

func main() {
	rootCmd := cli.NewStandardCommand(
		"daas",
		"Coordinate diagnostic sessions across the instances of a cluster",
	)

	rootCmd.AddCommand(cmd.NewSubmitCmd())
	rootCmd.AddCommand(cmd.NewListCmd())
	rootCmd.AddCommand(cmd.NewShowCmd())
	rootCmd.AddCommand(cmd.NewDeleteCmd())
	rootCmd.AddCommand(cmd.NewCompleteCmd())
	rootCmd.AddCommand(cmd.NewOrphansCmd())
	rootCmd.AddCommand(cmd.NewToolsCmd())
	rootCmd.AddCommand(cmd.NewRunnerCmd())
	rootCmd.AddCommand(cmd.NewConfigCmd())
	rootCmd.AddCommand(cmd.NewPathsCmd())
	rootCmd.AddCommand(cli.NewVersionCommand("daas"))

	if err := rootCmd.Execute(); err != nil {
		verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
		cli.NewErrorHandler(verbose, os.Stderr).Handle(err)
		os.Exit(1)
	}
}
