package cmd

import (
	"github.com/grovetools/daas/cli"
	"github.com/grovetools/daas/pkg/paths"
	"github.com/spf13/cobra"
)

// PathsOutput lists the local paths daas uses.
type PathsOutput struct {
	ConfigDir  string `json:"config_dir"`
	DataDir    string `json:"data_dir"`
	StateDir   string `json:"state_dir"`
	RuntimeDir string `json:"runtime_dir"`
	LogsDir    string `json:"logs_dir"`
	Socket     string `json:"socket"`
	PidFile    string `json:"pid_file"`
}

// NewPathsCmd creates the `paths` command.
func NewPathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the local paths used by daas",
		Long: `Print the XDG-compliant paths used by daas on this instance, as JSON.

The shared session store is configured separately (storage.root) and is
normally a network mount.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.PrintJSON(cmd.OutOrStdout(), PathsOutput{
				ConfigDir:  paths.ConfigDir(),
				DataDir:    paths.DataDir(),
				StateDir:   paths.StateDir(),
				RuntimeDir: paths.RuntimeDir(),
				LogsDir:    paths.LogsDir(),
				Socket:     socketPath(cli.GetOptions(cmd)),
				PidFile:    paths.PidFilePath(),
			})
		},
	}
}
