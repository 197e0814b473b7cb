package cmd

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grovetools/daas/cli"
	"github.com/grovetools/daas/internal/client"
	"github.com/grovetools/daas/internal/runner"
	"github.com/grovetools/daas/internal/server"
	"github.com/grovetools/daas/logging"
	"github.com/grovetools/daas/pkg/paths"
	"github.com/hpcloud/tail"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

const runnerComponent = "runner"

// NewRunnerCmd returns the runner command with subcommands.
func NewRunnerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runner",
		Short: "Per-instance session runner",
		Long:  "Polls the shared store, runs diagnostic tools for sessions targeting this instance and serves the local API.",
	}

	cmd.AddCommand(newRunnerStartCmd())
	cmd.AddCommand(newRunnerStopCmd())
	cmd.AddCommand(newRunnerStatusCmd())
	cmd.AddCommand(newRunnerLogsCmd())
	cmd.AddCommand(newRunnerEventsCmd())

	return cmd
}

func newRunnerStartCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the runner in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.GetOptions(cmd)
			if quiet {
				// the log file still receives everything
				logging.SetGlobalOutput(io.Discard)
			}
			logger := logging.NewLogger(runnerComponent)
			pidPath := paths.PidFilePath()
			sockPath := socketPath(opts)

			cfg, err := cli.LoadConfig(opts)
			if err != nil {
				return err
			}

			if err := runner.AcquirePIDFile(pidPath); err != nil {
				return err
			}
			defer func() {
				if err := runner.ReleasePIDFile(pidPath); err != nil {
					logger.Errorf("Failed to release pidfile: %v", err)
				}
			}()

			coord, err := buildCoordinator(cfg, logger)
			if err != nil {
				return err
			}
			run := runner.New(coord, runner.OptionsFromConfig(cfg), logger)
			srv := server.New(coord, run, logger.WithField("subsystem", "server"))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.WithField("pid", os.Getpid()).
				WithField("instance", coord.InstanceID()).
				WithField("store", cfg.Storage.Root).
				Info("Starting runner")

			var wg conc.WaitGroup
			wg.Go(func() {
				if err := run.Run(ctx); err != nil {
					logger.WithError(err).Error("Runner stopped with error")
				}
			})
			wg.Go(func() {
				<-ctx.Done()
				logger.Info("Received stop signal")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Errorf("Server shutdown error: %v", err)
				}
			})

			serveErr := srv.ListenAndServe(sockPath)
			stop()
			wg.Wait()
			if serveErr != nil && serveErr != http.ErrServerClosed {
				return fmt.Errorf("server error: %w", serveErr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only log to the log file")
	return cmd
}

func newRunnerStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, pid, err := runner.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "Runner is not running")
				return nil
			}

			process, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := process.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}

			logging.NewPrettyLogger().WithWriter(cmd.OutOrStdout()).InfoPretty(fmt.Sprintf("Sent SIGTERM to process %d", pid))
			return nil
		},
	}
}

func newRunnerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check runner status",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.GetOptions(cmd)
			running, pid, err := runner.IsRunning(paths.PidFilePath())
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if !running {
				fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
				os.Exit(1)
			}

			c := client.NewRemoteClient(socketPath(opts))
			defer c.Close()
			status, err := c.Status(cmd.Context())
			if err != nil {
				// alive but not answering yet
				fmt.Fprintf(cmd.OutOrStdout(), "Running (PID: %d)\nSocket: %s\n", pid, socketPath(opts))
				return nil
			}

			if opts.JSONOutput {
				return cli.PrintJSON(cmd.OutOrStdout(), status)
			}
			styles := cli.NewStyles(cmd.OutOrStdout())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (PID: %d)\n", styles.Success.Render("Running"), status.PID)
			fmt.Fprintf(out, "Instance:  %s\n", status.InstanceID)
			fmt.Fprintf(out, "Socket:    %s\n", socketPath(opts))
			fmt.Fprintf(out, "Started:   %s\n", status.StartedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(out, "Last poll: %s (every %s, watching: %t)\n", status.LastPoll.Local().Format(time.RFC3339), status.PollInterval, status.Watching)
			if status.ActiveSession != "" {
				fmt.Fprintf(out, "Active:    %s\n", status.ActiveSession)
			}
			for _, id := range status.Running {
				fmt.Fprintf(out, "Running:   %s\n", id)
			}
			return nil
		},
	}
}

func newRunnerLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show today's runner log",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := logging.LogFilePath(runnerComponent)
			if path == "" {
				return fmt.Errorf("no log directory could be resolved")
			}
			if _, err := os.Stat(path); err != nil && !follow {
				return fmt.Errorf("no runner log at %s", path)
			}
			return tailLog(cmd.Context(), cmd.OutOrStdout(), path, follow, lines)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 0, "Only print the last N lines (0 prints all)")
	return cmd
}

// tailLog prints path, keeping only the last n lines of what already exists
// when n > 0, and keeps following it when follow is set.
func tailLog(ctx context.Context, out io.Writer, path string, follow bool, n int) error {
	if n > 0 {
		last, err := lastLines(path, n)
		if err != nil {
			return err
		}
		for _, line := range last {
			fmt.Fprintln(out, line)
		}
		if !follow {
			return nil
		}
	}

	cfg := tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		MustExist: !follow,
		Logger:    stdlog.New(io.Discard, "", 0),
	}
	if n > 0 {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}
	t, err := tail.TailFile(path, cfg)
	if err != nil {
		return fmt.Errorf("cannot tail %s: %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			return t.Stop()
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				continue
			}
			fmt.Fprintln(out, line.Text)
		}
	}
}

func lastLines(path string, n int) ([]string, error) {
	t, err := tail.TailFile(path, tail.Config{MustExist: true, Logger: stdlog.New(io.Discard, "", 0)})
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	defer t.Cleanup()

	var ring []string
	for line := range t.Lines {
		if line.Err != nil {
			continue
		}
		ring = append(ring, line.Text)
		if len(ring) > n {
			ring = ring[1:]
		}
	}
	return ring, nil
}

func newRunnerEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream runner events",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cli.GetOptions(cmd)
			c := client.NewRemoteClient(socketPath(opts))
			defer c.Close()
			if !c.IsRunning() {
				return client.ErrRunnerRequired
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			events, err := c.Stream(ctx)
			if err != nil {
				return err
			}

			styles := cli.NewStyles(cmd.OutOrStdout())
			for e := range events {
				if opts.JSONOutput {
					if err := cli.PrintJSON(cmd.OutOrStdout(), e); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s %s\n",
					styles.Muted.Render(e.Time.Local().Format("15:04:05")),
					styles.Header.Render(string(e.Type)),
					e.SessionID, e.Instance, e.Message)
			}
			return nil
		},
	}
}
