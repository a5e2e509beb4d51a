package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/store"
)

var version = "0.4.0"

const controlTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fuel",
		Short: "Local task tracker that feeds ready work to coding agents",
		Long: `fuel keeps a backlog of tasks in .fuel/agent.db and runs a consume daemon
that hands ready tasks to agent CLIs, watches their health and exposes a
browser sidecar to them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newInitCmd(),
		newAddCmd(),
		newReadyCmd(),
		newDoneCmd(),
		newRetryCmd(),
		newRunsCmd(),
		newConsumeCmd(),
		newPauseCmd(),
		newStopCmd(),
		newHealthCmd(),
		newHealthClearCmd(),
	)
	root.AddCommand(newBrowserCmds()...)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// fuelDir locates the .fuel directory for the working directory.
func fuelDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.FindDir(wd)
}

func openStore(ctx context.Context) (*store.Store, error) {
	dir, err := fuelDir()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(config.PathsFor(dir).DB)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// dialDaemon connects to the running daemon. A missing or stale pid file
// fails before any connection is attempted.
func dialDaemon() (*ipc.Client, error) {
	dir, err := fuelDir()
	if err != nil {
		return nil, err
	}
	c, err := ipc.Dial(config.PathsFor(dir).PidFile)
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, fmt.Errorf("%w: start it with `fuel consume`", err)
		}
		return nil, err
	}
	return c, nil
}

// call sends one command to the daemon and waits up to timeout for its
// answer.
func call(ctx context.Context, p ipc.CommandPayload, timeout time.Duration) (ipc.Event, error) {
	c, err := dialDaemon()
	if err != nil {
		return ipc.Event{}, err
	}
	defer c.Disconnect()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Call(ctx, p)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
