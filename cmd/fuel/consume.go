package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/daemon"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/process"
)

const restartTimeout = 30 * time.Second

type consumeOptions struct {
	once    bool
	restart bool
	resume  bool
	paused  bool
}

func newConsumeCmd() *cobra.Command {
	var opts consumeOptions
	var unpause bool
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Run the consume daemon in the foreground",
		Long: `Consume dispatches ready tasks to the configured agents until interrupted.

With a daemon already running, --resume (or --unpause) resumes it and exits,
and --restart stops it before starting a new one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.resume = opts.resume || unpause
			if opts.resume && opts.paused {
				return errors.New("--resume and --paused cannot be combined")
			}
			return runConsume(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.once, "once", false, "Dispatch one round, wait for those agents, then exit")
	cmd.Flags().BoolVar(&opts.restart, "restart", false, "Stop a running daemon first")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "Resume a paused daemon")
	cmd.Flags().BoolVar(&unpause, "unpause", false, "Alias for --resume")
	cmd.Flags().BoolVar(&opts.paused, "paused", false, "Start with dispatching paused")
	return cmd
}

func runConsume(cmd *cobra.Command, opts consumeOptions) error {
	dir, err := fuelDir()
	if err != nil {
		return err
	}
	paths := config.PathsFor(dir)
	out := cmd.OutOrStdout()

	if info, err := ipc.RunnerInfo(paths.PidFile); err == nil {
		switch {
		case opts.restart:
			fmt.Fprintf(out, "Stopping consume runner (pid %d)\n", info.PID)
			if err := stopRunner(cmd.Context(), info.PID, restartTimeout); err != nil {
				return err
			}
		case opts.resume:
			ev, err := call(cmd.Context(), ipc.ResumePayload{}, controlTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, ackMessage(ev))
			return nil
		default:
			return fmt.Errorf("%w (pid %d, port %d)", daemon.ErrAlreadyRunning, info.PID, info.Port)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(dir, daemon.Options{Once: opts.once, Paused: opts.paused})
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-d.Ready():
			fmt.Fprintf(out, "Consume runner listening on 127.0.0.1:%d (pid %d)\n", d.Port(), os.Getpid())
		case <-ctx.Done():
		}
	}()
	return d.Run(ctx)
}

// stopRunner sends SIGTERM to a running daemon and waits for it to exit.
func stopRunner(ctx context.Context, pid int, timeout time.Duration) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("signal consume runner (pid %d): %w", pid, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for process.Alive(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("consume runner (pid %d) did not stop within %s", pid, timeout)
		case <-ticker.C:
		}
	}
	return nil
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop dispatching new tasks; running agents continue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := call(cmd.Context(), ipc.PausePayload{}, controlTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ackMessage(ev))
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Stop the agent working on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := call(cmd.Context(), ipc.StopTaskPayload{TaskID: args[0]}, controlTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ackMessage(ev))
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show agent health as seen by the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := call(cmd.Context(), ipc.HealthSummaryPayload{}, controlTimeout)
			if err != nil {
				return err
			}
			var snap ipc.HealthSnapshot
			if err := ev.Decode(&snap); err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), snap)
			}
			renderHealth(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newHealthClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-clear [agent|all]",
		Short: "Reset failure counts and backoff for an agent, or all agents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agent := health.ResetAll
			if len(args) == 1 {
				agent = args[0]
			}
			ev, err := call(cmd.Context(), ipc.HealthResetPayload{Agent: agent}, controlTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ackMessage(ev))
			return nil
		},
	}
}

func ackMessage(ev ipc.Event) string {
	var ack ipc.AckPayload
	if err := ev.Decode(&ack); err != nil || ack.Message == "" {
		return "ok"
	}
	return ack.Message
}
