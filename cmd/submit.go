package cmd

import (
	"fmt"
	"strings"

	"github.com/grovetools/daas/cli"
	"github.com/grovetools/daas/internal/coordinator"
	"github.com/grovetools/daas/internal/session"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// modeFlag parses --mode at flag-parse time.
type modeFlag struct {
	mode session.Mode
}

var _ pflag.Value = (*modeFlag)(nil)

func (f *modeFlag) String() string { return string(f.mode) }

func (f *modeFlag) Set(v string) error {
	m, err := session.ParseMode(v)
	if err != nil {
		return err
	}
	f.mode = m
	return nil
}

func (f *modeFlag) Type() string { return "mode" }

// NewSubmitCmd creates the `submit` command.
func NewSubmitCmd() *cobra.Command {
	var (
		tool        string
		instances   []string
		mode        = modeFlag{mode: session.ModeCollect}
		params      string
		description string
		automation  bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new diagnostic session",
		Long: `Creates the active session for the cluster. Every target instance picks
it up on its next poll, runs the tool and records its results.

Examples:
  # Collect a memory dump on two instances
  daas submit --tool MemoryDump --instances web0,web1

  # Collect and analyze a profile
  daas submit --tool Profiler --instances web0 --mode analyze --params "-duration 60"
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.GetOptions(cmd)
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.Submit(cmd.Context(), &session.Session{
				Tool:        tool,
				ToolParams:  params,
				Mode:        mode.mode,
				Description: description,
				Instances:   instances,
			}, coordinator.SubmitOptions{
				InvokedViaAutomation: automation,
				InvokedViaConsole:    !automation,
			})
			if err != nil {
				return err
			}

			if opts.JSONOutput {
				return cli.PrintJSON(cmd.OutOrStdout(), map[string]string{"session_id": id})
			}
			styles := cli.NewStyles(cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s on %s\n", styles.Success.Render("Submitted session"), id, strings.Join(instances, ", "))
			return nil
		},
	}

	cmd.Flags().StringVarP(&tool, "tool", "t", "", "Diagnostic tool to run")
	cmd.Flags().StringSliceVarP(&instances, "instances", "i", nil, "Target instances (comma-separated)")
	cmd.Flags().VarP(&mode, "mode", "m", "collect or analyze")
	cmd.Flags().StringVar(&params, "params", "", "Parameters passed to the tool")
	cmd.Flags().StringVar(&description, "description", "", "Free-form description")
	cmd.Flags().BoolVar(&automation, "automation", false, "Submit as an automation rule (subject to rate limits)")

	return cmd
}
