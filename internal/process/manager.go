// Package process spawns and supervises agent subprocesses. Each agent runs
// in its own process group so a kill reaches any children it started.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ashleyhindle/fuel/internal/logging"
)

const (
	DefaultKillGrace  = 5 * time.Second
	defaultOutputTail = 64 * 1024
)

var (
	ErrAlreadyRunning = errors.New("agent already running for task")
	ErrNotRunning     = errors.New("no agent running for task")
)

// Spec describes one agent invocation.
type Spec struct {
	TaskID  string
	Agent   string
	Model   string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	// Timeout kills the process after the given duration; zero disables.
	Timeout time.Duration
	// Watch lists case-insensitive substrings looked for in the full output
	// stream. The first one seen is reported as Exit.Matched.
	Watch []string
}

// Handle identifies a running agent.
type Handle struct {
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Model     string    `json:"model,omitempty"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Exit is delivered on Completions once per spawned process.
type Exit struct {
	Handle
	ExitCode  int
	Duration  time.Duration
	Output    string
	SessionID string
	CostUSD   *float64
	// Matched is the Spec.Watch pattern seen in the output, if any.
	Matched string
	// KillReason is set when the process was stopped by Kill or a timeout.
	KillReason string
}

type proc struct {
	handle     Handle
	cmd        *exec.Cmd
	pgid       int
	output     *tailBuffer
	done       chan struct{}
	killMu     sync.Mutex
	killReason string
}

type Manager struct {
	mu          sync.Mutex
	procs       map[string]*proc
	completions chan Exit
	closed      chan struct{}
	closeOnce   sync.Once
	grace       time.Duration
	logger      *logging.Logger
	now         func() time.Time
}

func NewManager(grace time.Duration, logger *logging.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	return &Manager{
		procs:       make(map[string]*proc),
		completions: make(chan Exit, 64),
		closed:      make(chan struct{}),
		grace:       grace,
		logger:      logger.With("process"),
		now:         time.Now,
	}
}

// Completions delivers one Exit per process that Spawn started.
func (m *Manager) Completions() <-chan Exit {
	return m.completions
}

// Spawn starts the agent and returns immediately. ctx only bounds the start
// itself; the process outlives it and is stopped through Kill.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Command == "" {
		return Handle{}, fmt.Errorf("spawn %s: empty command for agent %q", spec.TaskID, spec.Agent)
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, fmt.Errorf("spawn %s: %w", spec.TaskID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.procs[spec.TaskID]; ok {
		return Handle{}, fmt.Errorf("spawn %s: %w", spec.TaskID, ErrAlreadyRunning)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := newTailBuffer(defaultOutputTail, spec.Watch...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = m.grace

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("spawn %s: start %s: %w", spec.TaskID, spec.Command, err)
	}

	p := &proc{
		handle: Handle{
			TaskID:    spec.TaskID,
			Agent:     spec.Agent,
			Model:     spec.Model,
			PID:       cmd.Process.Pid,
			StartedAt: m.now(),
		},
		cmd:    cmd,
		output: out,
		done:   make(chan struct{}),
	}
	p.pgid, _ = unix.Getpgid(cmd.Process.Pid)
	if p.pgid == 0 {
		p.pgid = cmd.Process.Pid
	}
	m.procs[spec.TaskID] = p

	m.logger.Info("spawned task=%s agent=%s pid=%d cmd=%s", spec.TaskID, spec.Agent, p.handle.PID, spec.Command)

	go m.wait(p)
	if spec.Timeout > 0 {
		go m.watchTimeout(p, spec.Timeout)
	}
	return p.handle, nil
}

func (m *Manager) wait(p *proc) {
	err := p.cmd.Wait()
	close(p.done)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	output := p.output.String()
	sessionID, cost := ParseAgentOutput(output)

	p.killMu.Lock()
	reason := p.killReason
	p.killMu.Unlock()

	ex := Exit{
		Handle:     p.handle,
		ExitCode:   exitCode,
		Duration:   m.now().Sub(p.handle.StartedAt),
		Output:     output,
		SessionID:  sessionID,
		CostUSD:    cost,
		Matched:    p.output.Matched(),
		KillReason: reason,
	}

	m.mu.Lock()
	if cur, ok := m.procs[p.handle.TaskID]; ok && cur == p {
		delete(m.procs, p.handle.TaskID)
	}
	m.mu.Unlock()

	m.logger.Info("exited task=%s agent=%s pid=%d code=%d duration=%s", ex.TaskID, ex.Agent, ex.PID, ex.ExitCode, ex.Duration.Round(time.Millisecond))

	select {
	case m.completions <- ex:
	case <-m.closed:
	}
}

func (m *Manager) watchTimeout(p *proc, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		m.logger.Warn("timeout task=%s agent=%s after=%s", p.handle.TaskID, p.handle.Agent, timeout)
		m.terminate(p, "timeout")
	case <-p.done:
	}
}

// Kill sends SIGTERM to the agent's process group and escalates to SIGKILL
// after the grace period. It does not wait for the exit; the Exit still
// arrives on Completions.
func (m *Manager) Kill(taskID, reason string) error {
	m.mu.Lock()
	p, ok := m.procs[taskID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("kill %s: %w", taskID, ErrNotRunning)
	}
	go m.terminate(p, reason)
	return nil
}

func (m *Manager) terminate(p *proc, reason string) {
	p.killMu.Lock()
	if p.killReason == "" {
		p.killReason = reason
	}
	p.killMu.Unlock()

	_ = unix.Kill(-p.pgid, unix.SIGTERM)

	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		m.logger.Warn("grace expired task=%s pid=%d, sending SIGKILL", p.handle.TaskID, p.handle.PID)
		_ = unix.Kill(-p.pgid, unix.SIGKILL)
	}
}

// KillAll terminates every running agent and waits for them to exit or for
// ctx to end.
func (m *Manager) KillAll(ctx context.Context, reason string) error {
	m.mu.Lock()
	procs := make([]*proc, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *proc) {
			defer wg.Done()
			m.terminate(p, reason)
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) IsRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[taskID]
	return ok
}

// Running returns the live handles sorted by start time.
func (m *Manager) Running() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.procs))
	for _, p := range m.procs {
		out = append(out, p.handle)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// Close unblocks pending completion deliveries. Processes are not killed.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
}

// Alive reports whether pid names a live process, using signal 0.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
