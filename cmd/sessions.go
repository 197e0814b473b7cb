package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/grovetools/daas/cli"
	"github.com/grovetools/daas/internal/session"
	"github.com/spf13/cobra"
)

// NewListCmd creates the `list` command.
func NewListCmd() *cobra.Command {
	var detailed bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			sessions, err := c.List(cmd.Context(), detailed)
			if err != nil {
				return err
			}
			if cli.GetOptions(cmd).JSONOutput {
				if sessions == nil {
					sessions = []*session.Session{}
				}
				return cli.PrintJSON(cmd.OutOrStdout(), sessions)
			}
			cli.PrintSessionTable(cmd.OutOrStdout(), sessions, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&detailed, "detailed", "d", false, "Include tool status messages")
	return cmd
}

// NewShowCmd creates the `show` command.
func NewShowCmd() *cobra.Command {
	var detailed bool

	cmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show one session (the active one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			var s *session.Session
			if len(args) == 0 || strings.EqualFold(args[0], "active") {
				s, err = c.Active(cmd.Context(), detailed)
				if err == nil && s == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "No active session")
					return nil
				}
			} else {
				s, err = c.Get(cmd.Context(), args[0], detailed)
			}
			if err != nil {
				return err
			}

			if cli.GetOptions(cmd).JSONOutput {
				return cli.PrintJSON(cmd.OutOrStdout(), s)
			}
			cli.PrintSession(cmd.OutOrStdout(), s, time.Now())
			return nil
		},
	}

	cmd.Flags().BoolVarP(&detailed, "detailed", "d", true, "Include tool status messages")
	return cmd
}

// NewDeleteCmd creates the `delete` command.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Delete completed sessions and their artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			styles := cli.NewStyles(cmd.OutOrStdout())
			for _, id := range args {
				if err := c.Delete(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", styles.Success.Render("Deleted"), id)
			}
			return nil
		},
	}
}

// NewCompleteCmd creates the `complete` command.
func NewCompleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete the active session once every instance finished",
		Long: `Runs the completion check for the active session. With --force the session
is completed even if instances are still working and is marked TimedOut.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			completed, err := c.Complete(cmd.Context(), force)
			if err != nil {
				return err
			}
			if cli.GetOptions(cmd).JSONOutput {
				return cli.PrintJSON(cmd.OutOrStdout(), map[string]bool{"completed": completed})
			}
			if completed {
				fmt.Fprintln(cmd.OutOrStdout(), "Session completed")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to complete")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Complete even if instances are still working")
	return cmd
}

// NewToolsCmd creates the `tools` command.
func NewToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the configured diagnostic tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			infos, err := c.Tools(cmd.Context())
			if err != nil {
				return err
			}
			if cli.GetOptions(cmd).JSONOutput {
				return cli.PrintJSON(cmd.OutOrStdout(), infos)
			}
			cli.PrintToolTable(cmd.OutOrStdout(), infos)
			return nil
		},
	}
}

// NewOrphansCmd creates the `orphans` command. It always works on the shared
// store directly.
func NewOrphansCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Mark target instances that never picked up the active session",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.GetOptions(cmd)
			cfg, err := cli.LoadConfig(opts)
			if err != nil {
				return err
			}
			coord, err := buildCoordinator(cfg, cli.GetLogger(cmd))
			if err != nil {
				return err
			}

			active, err := coord.GetActiveSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			if active == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "No active session")
				return nil
			}

			var orphaned []string
			if dryRun {
				orphaned = active.OrphanedInstances()
			} else {
				orphaned = coord.CancelOrphanedInstancesIfNeeded(cmd.Context(), active)
				if len(orphaned) > 0 {
					if _, err := coord.CheckAndCompleteSessionIfNeeded(cmd.Context(), false); err != nil {
						return err
					}
				}
			}

			if opts.JSONOutput {
				if orphaned == nil {
					orphaned = []string{}
				}
				return cli.PrintJSON(cmd.OutOrStdout(), map[string]interface{}{
					"session_id": active.SessionID,
					"orphaned":   orphaned,
				})
			}
			if len(orphaned) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No orphaned instances")
				return nil
			}
			verb := "Orphaned"
			if dryRun {
				verb = "Would orphan"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", verb, strings.Join(orphaned, ", "))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only list the instances that would be orphaned")
	return cmd
}
