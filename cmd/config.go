package cmd

import (
	"fmt"
	"os"

	"github.com/grovetools/daas/cli"
	"github.com/grovetools/daas/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd creates the `config` command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate daas configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigValidateCmd())
	cmd.AddCommand(newConfigSchemaCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after environment overrides and defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.GetOptions(cmd)
			cfg, err := cli.LoadConfig(opts)
			if err != nil {
				return err
			}
			if opts.JSONOutput {
				return cli.PrintJSON(cmd.OutOrStdout(), cfg)
			}

			if path, err := configSource(opts); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "# Source: %s\n", path)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "# Source: environment only")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# Instance: %s\n", cfg.InstanceID())
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.GetOptions(cmd)
			if len(args) == 1 {
				opts.ConfigFile = args[0]
			}
			path, err := configSource(opts)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			styles := cli.NewStyles(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d tools)\n", styles.Success.Render("Valid:"), path, len(cfg.Tools))
			return nil
		},
	}
}

func newConfigSchemaCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for daas.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.GenerateSchema()
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			if err := os.WriteFile(output, append(data, '\n'), 0644); err != nil {
				return fmt.Errorf("failed to write schema: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the schema to a file")
	return cmd
}

func configSource(opts cli.CommandOptions) (string, error) {
	if opts.ConfigFile != "" {
		return opts.ConfigFile, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.FindConfigFile(cwd)
}
