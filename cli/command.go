// Package cli holds the pieces shared by every daas command: standard
// flags, configuration loading, error reporting and styled output.
package cli

import (
	"github.com/grovetools/daas/config"
	"github.com/grovetools/daas/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CommandOptions holds the global flags.
type CommandOptions struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
	// Socket overrides the runner socket path.
	Socket string
}

// NewStandardCommand creates a root command with the standard daas flags.
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to daas.yml config file")
	cmd.PersistentFlags().String("socket", "", "Runner socket path (default: the runtime directory)")

	return cmd
}

// GetLogger returns the CLI component logger, at debug level with --verbose.
func GetLogger(cmd *cobra.Command) *logrus.Entry {
	entry := logging.NewLogger("daas-cli")

	verbose, _ := cmd.Flags().GetBool("verbose")
	if verbose {
		entry.Logger.SetLevel(logrus.DebugLevel)
	}

	return entry
}

// GetOptions extracts the global flags from a command.
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	socket, _ := cmd.Flags().GetString("socket")

	return CommandOptions{
		ConfigFile: configFile,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
		Socket:     socket,
	}
}

// LoadConfig loads the file named by --config, or searches for one from the
// working directory. Without any file the environment alone configures
// daas.
func LoadConfig(opts CommandOptions) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.Load(opts.ConfigFile)
	}
	return config.LoadDefault()
}
