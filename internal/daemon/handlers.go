package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/process"
	"github.com/ashleyhindle/fuel/internal/store"
)

// PingInfo is the ack data of a ping.
type PingInfo struct {
	PID       int   `json:"pid"`
	Port      int   `json:"port"`
	StartedAt int64 `json:"started_at"`
	Paused    bool  `json:"paused"`
}

// registerHandlers routes IPC commands. attach and detach are answered by
// the server itself.
func (d *Daemon) registerHandlers() {
	d.server.Handle(ipc.CmdPing, d.handlePing)
	d.server.Handle(ipc.CmdHealthSummary, d.handleHealthSummary)
	d.server.Handle(ipc.CmdHealthReset, d.handleHealthReset)
	d.server.Handle(ipc.CmdPause, d.handlePause)
	d.server.Handle(ipc.CmdResume, d.handleResume)
	d.server.Handle(ipc.CmdScan, d.handleScan)
	d.server.Handle(ipc.CmdStopTask, d.handleStopTask)

	browse := d.bridge.Handler()
	for _, t := range []ipc.CommandType{
		ipc.CmdBrowserGoto,
		ipc.CmdBrowserClick,
		ipc.CmdBrowserType,
		ipc.CmdBrowserHTML,
		ipc.CmdBrowserSnapshot,
		ipc.CmdBrowserRun,
		ipc.CmdBrowserClose,
	} {
		d.server.Handle(t, browse)
	}
}

func reply(ev ipc.Event) *ipc.Event {
	return &ev
}

func (d *Daemon) handlePing(_ context.Context, _ *ipc.Session, _ ipc.Command) *ipc.Event {
	return reply(ipc.AckEvent("pong", PingInfo{
		PID:       os.Getpid(),
		Port:      d.server.Port(),
		StartedAt: d.startedAt.Unix(),
		Paused:    d.runner.Paused(),
	}))
}

func (d *Daemon) handleHealthSummary(_ context.Context, _ *ipc.Session, _ ipc.Command) *ipc.Event {
	return reply(ipc.NewEvent(ipc.EvtHealthSummary, d.healthSnapshot()))
}

func (d *Daemon) handleHealthReset(_ context.Context, _ *ipc.Session, cmd ipc.Command) *ipc.Event {
	p, err := cmd.DecodePayload()
	if err != nil {
		return reply(ipc.ErrorEvent(ipc.ErrCodeValidation, err.Error()))
	}
	agent := strings.TrimSpace(p.(*ipc.HealthResetPayload).Agent)
	if agent == "" {
		return reply(ipc.ErrorEvent(ipc.ErrCodeValidation, "agent is required (name or \"all\")"))
	}
	reset := d.tracker.Reset(agent)
	if agent == health.ResetAll {
		d.logger.Info("health reset for all agents (%d)", len(reset))
	} else {
		d.logger.Info("health reset for %s", agent)
	}
	for _, name := range reset {
		d.runner.publishHealth(name)
	}
	d.runner.Trigger()
	return reply(ipc.AckEvent(fmt.Sprintf("health reset: %s", agent), map[string][]string{"agents": reset}))
}

func (d *Daemon) handlePause(_ context.Context, _ *ipc.Session, _ ipc.Command) *ipc.Event {
	d.runner.Pause()
	return reply(ipc.AckEvent("paused", nil))
}

func (d *Daemon) handleResume(_ context.Context, _ *ipc.Session, _ ipc.Command) *ipc.Event {
	d.runner.Resume()
	return reply(ipc.AckEvent("resumed", nil))
}

func (d *Daemon) handleScan(_ context.Context, _ *ipc.Session, _ ipc.Command) *ipc.Event {
	d.runner.Trigger()
	return reply(ipc.AckEvent("scan queued", nil))
}

func (d *Daemon) handleStopTask(ctx context.Context, _ *ipc.Session, cmd ipc.Command) *ipc.Event {
	p, err := cmd.DecodePayload()
	if err != nil {
		return reply(ipc.ErrorEvent(ipc.ErrCodeValidation, err.Error()))
	}
	id := strings.TrimSpace(p.(*ipc.StopTaskPayload).TaskID)
	if id == "" {
		return reply(ipc.ErrorEvent(ipc.ErrCodeValidation, "task_id is required"))
	}
	t, err := d.store.Find(ctx, id)
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return reply(ipc.ErrorEvent(ipc.ErrCodeNotFound, err.Error()))
	case err != nil:
		return reply(ipc.ErrorEvent(ipc.ErrCodeValidation, err.Error()))
	}
	if err := d.runner.StopTask(t.ID); err != nil {
		if errors.Is(err, process.ErrNotRunning) {
			return reply(ipc.ErrorEvent(ipc.ErrCodeNotFound, fmt.Sprintf("no agent running for %s", t.ID)))
		}
		return reply(ipc.ErrorEvent(ipc.ErrCodeInternal, err.Error()))
	}
	return reply(ipc.AckEvent(fmt.Sprintf("stopping %s", t.ID), nil))
}
