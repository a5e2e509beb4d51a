package daemon

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashleyhindle/fuel/internal/concurrency"
	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/events"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/logging"
	"github.com/ashleyhindle/fuel/internal/model"
	"github.com/ashleyhindle/fuel/internal/process"
	"github.com/ashleyhindle/fuel/internal/review"
)

const (
	DefaultInterval = 5 * time.Second

	AutoCloseReason  = "Auto-completed by consume (agent exit 0)"
	LabelAutoClosed  = "auto-closed"
	LabelNeedsHuman  = "needs-human"
	LabelReviewed    = "reviewed"
	permissionTitle  = "Configure agent permissions for %s"
	reviewPassReason = "Review passed"
)

// TaskStore is the subset of the task and run store the runner drives.
type TaskStore interface {
	Ready(ctx context.Context) ([]model.Task, error)
	Find(ctx context.Context, id string) (model.Task, error)
	Orphaned(ctx context.Context) ([]model.Task, error)
	Create(ctx context.Context, in model.NewTask) (model.Task, error)
	Start(ctx context.Context, id string) (model.Task, error)
	Done(ctx context.Context, id, reason, commitHash string) (model.Task, error)
	Reopen(ctx context.Context, id string) (model.Task, error)
	ToReview(ctx context.Context, id string) (model.Task, error)
	Update(ctx context.Context, id string, u model.TaskUpdate) (model.Task, error)
	AddDependency(ctx context.Context, blockedID, blockerID string) (model.Task, error)
	LogRun(ctx context.Context, taskID string, f model.RunFields) (model.Run, error)
	UpdateLatestRun(ctx context.Context, taskID string, f model.RunFields) error
}

// Spawner starts and stops agent processes. *process.Manager satisfies it.
type Spawner interface {
	Spawn(ctx context.Context, spec process.Spec) (process.Handle, error)
	Kill(taskID, reason string) error
	KillAll(ctx context.Context, reason string) error
	Completions() <-chan process.Exit
	Running() []process.Handle
}

// AgentConfigs resolves agents. *config.Service satisfies it.
type AgentConfigs interface {
	GetAgentConfig(c model.Complexity) (config.AgentSelection, error)
	Agent(name string) (model.AgentConfig, bool)
	AgentNames() []string
	Config() model.Config
}

type dispatch struct {
	agent   string
	model   string
	pid     int
	started time.Time
	release func()
}

// Runner is the consume scheduler. Run owns all dispatch state on a single
// goroutine; the exported control methods are safe from any goroutine.
type Runner struct {
	store    TaskStore
	procs    Spawner
	agents   AgentConfigs
	tracker  *health.Tracker
	limiter  *concurrency.Limiter
	reviewer review.Service
	bus      *events.Bus
	metrics  *Metrics
	logger   *logging.Logger
	workDir  string
	now      func() time.Time
	alive    func(pid int) bool

	trigger chan struct{}
	paused  atomic.Bool

	inFlight  map[string]*dispatch
	reviewing map[string]string

	mu      sync.Mutex
	running []string
}

type RunnerOption func(*Runner)

func WithReviewer(r review.Service) RunnerOption {
	return func(rn *Runner) { rn.reviewer = r }
}

func WithBus(b *events.Bus) RunnerOption {
	return func(rn *Runner) { rn.bus = b }
}

func WithMetrics(m *Metrics) RunnerOption {
	return func(rn *Runner) { rn.metrics = m }
}

func WithWorkDir(dir string) RunnerOption {
	return func(rn *Runner) { rn.workDir = dir }
}

func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(rn *Runner) { rn.now = now }
}

// WithAliveCheck replaces the pid probe used by orphan recovery.
func WithAliveCheck(fn func(pid int) bool) RunnerOption {
	return func(rn *Runner) { rn.alive = fn }
}

func NewRunner(store TaskStore, procs Spawner, agents AgentConfigs, tracker *health.Tracker, limiter *concurrency.Limiter, logger *logging.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:     store,
		procs:     procs,
		agents:    agents,
		tracker:   tracker,
		limiter:   limiter,
		logger:    logger.With("runner"),
		now:       time.Now,
		alive:     process.Alive,
		trigger:   make(chan struct{}, 1),
		inFlight:  make(map[string]*dispatch),
		reviewing: make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Trigger asks for a scan as soon as the loop is free. Repeated calls
// coalesce.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Runner) Pause() {
	if !r.paused.Swap(true) {
		r.logger.Info("paused")
		r.publish(events.RunnerPaused, nil)
	}
}

func (r *Runner) Resume() {
	if r.paused.Swap(false) {
		r.logger.Info("resumed")
		r.publish(events.RunnerResumed, nil)
	}
	r.Trigger()
}

func (r *Runner) Paused() bool {
	return r.paused.Load()
}

// StopTask kills the agent working on taskID. The task stays in_progress,
// marked consumed, and the agent's health is not charged.
func (r *Runner) StopTask(taskID string) error {
	return r.procs.Kill(taskID, KillStopped)
}

// InFlight returns the ids of tasks with a running agent, sorted.
func (r *Runner) InFlight() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.running...)
}

func (r *Runner) syncRunning() {
	ids := make([]string, 0, len(r.inFlight))
	for id := range r.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.mu.Lock()
	r.running = ids
	r.mu.Unlock()
}

func (r *Runner) interval() time.Duration {
	if sec := r.agents.Config().Consume.IntervalSec; sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return DefaultInterval
}

func (r *Runner) reviewResults() <-chan review.Outcome {
	if r.reviewer == nil {
		return nil
	}
	return r.reviewer.Results()
}

// Run schedules until ctx ends, then stops every agent and reopens their
// tasks.
func (r *Runner) Run(ctx context.Context) error {
	r.RecoverOrphans(ctx)
	r.tick(ctx)

	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain(KillShutdown)
			return nil
		case <-ticker.C:
			r.tick(ctx)
		case <-r.trigger:
			r.tick(ctx)
		case ex := <-r.procs.Completions():
			r.handleExit(ctx, ex)
		case out := <-r.reviewResults():
			r.handleReview(ctx, out)
		}
	}
}

// RunOnce dispatches one round of ready tasks and waits for those agents and
// any reviews they trigger to finish. Cancelling ctx stops them.
func (r *Runner) RunOnce(ctx context.Context) error {
	r.RecoverOrphans(ctx)
	r.tick(ctx)

	for len(r.inFlight) > 0 || len(r.reviewing) > 0 {
		select {
		case <-ctx.Done():
			r.drain(KillShutdown)
			return ctx.Err()
		case ex := <-r.procs.Completions():
			r.handleExit(ctx, ex)
		case out := <-r.reviewResults():
			r.handleReview(ctx, out)
		case <-r.trigger:
		}
	}
	return nil
}

// drain kills running agents and processes their exits so slots and task
// states are settled before returning.
func (r *Runner) drain(reason string) {
	if len(r.inFlight) == 0 {
		return
	}
	grace := time.Duration(r.agents.Config().Consume.KillGraceSec) * time.Second
	if grace <= 0 {
		grace = process.DefaultKillGrace
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	r.logger.Info("stopping %d agent(s): %s", len(r.inFlight), reason)
	if err := r.procs.KillAll(ctx, reason); err != nil {
		r.logger.Warn("kill all: %v", err)
	}
	for len(r.inFlight) > 0 {
		select {
		case ex := <-r.procs.Completions():
			r.handleExit(ctx, ex)
		case <-ctx.Done():
			r.logger.Warn("%d agent exit(s) not collected before shutdown", len(r.inFlight))
			return
		}
	}
}

// RecoverOrphans reopens tasks left in_progress by a previous runner whose
// agent process is gone.
func (r *Runner) RecoverOrphans(ctx context.Context) {
	tasks, err := r.store.Orphaned(ctx)
	if err != nil {
		r.logger.Error("list orphaned tasks: %v", err)
		return
	}
	for _, t := range tasks {
		if _, ours := r.inFlight[t.ID]; ours {
			continue
		}
		pid := *t.ConsumePID
		if r.alive(pid) {
			r.logger.Warn("task %s still has a live agent pid=%d from a previous runner, leaving it", t.ID, pid)
			continue
		}
		if _, err := r.store.Reopen(ctx, t.ID); err != nil {
			r.logger.Error("reopen orphaned task %s: %v", t.ID, err)
			continue
		}
		r.logger.Info("reopened orphaned task %s (pid %d gone)", t.ID, pid)
	}
}

func (r *Runner) tick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in tick: %v\n%s", rec, debug.Stack())
		}
	}()

	if r.paused.Load() {
		r.logger.Debug("tick skipped: paused")
		return
	}

	tasks, err := r.store.Ready(ctx)
	if err != nil {
		r.logger.Error("list ready tasks: %v", err)
		return
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		if _, busy := r.inFlight[t.ID]; busy || t.HasLabel(LabelNeedsHuman) {
			continue
		}
		sel, err := r.agents.GetAgentConfig(t.Complexity)
		if err != nil {
			r.logger.Warn("task %s: %v", t.ID, err)
			continue
		}
		if !r.tracker.IsAvailable(sel.Name) {
			r.logger.Debug("task %s deferred: agent %s is %s", t.ID, sel.Name, r.tracker.State(sel.Name))
			continue
		}
		release, ok := r.limiter.TryAcquire(sel.Name)
		if !ok {
			continue
		}
		r.dispatch(ctx, t, sel, release)
	}
}

func (r *Runner) dispatch(ctx context.Context, t model.Task, sel config.AgentSelection, release func()) {
	agentCfg, ok := r.agents.Agent(sel.Name)
	if !ok {
		release()
		r.logger.Warn("task %s: agent %q vanished from config", t.ID, sel.Name)
		return
	}

	if _, err := r.store.Start(ctx, t.ID); err != nil {
		release()
		r.logger.Warn("start task %s: %v", t.ID, err)
		return
	}

	cfg := r.agents.Config()
	spec := process.Spec{
		TaskID:  t.ID,
		Agent:   sel.Name,
		Model:   sel.Model,
		Command: agentCfg.Command,
		Args: process.ExpandArgs(agentCfg.Args, map[string]string{
			"prompt":  TaskPrompt(t),
			"model":   sel.Model,
			"task_id": t.ID,
		}),
		Env:     process.EnvMap(agentCfg.Env),
		Dir:     r.workDir,
		Timeout: time.Duration(cfg.Consume.TaskTimeoutMin) * time.Minute,
		Watch:   permissionPatterns,
	}
	if spec.Dir == "" {
		spec.Dir = cfg.Consume.WorkDir
	}

	h, err := r.procs.Spawn(ctx, spec)
	if err != nil {
		release()
		r.logger.Error("spawn %s for task %s: %v", sel.Name, t.ID, err)
		r.tracker.RecordFailure(sel.Name)
		r.publishHealth(sel.Name)
		if _, rerr := r.store.Reopen(ctx, t.ID); rerr != nil {
			r.logger.Error("reopen task %s after spawn failure: %v", t.ID, rerr)
		}
		return
	}

	r.inFlight[t.ID] = &dispatch{agent: sel.Name, model: sel.Model, pid: h.PID, started: h.StartedAt, release: release}
	r.syncRunning()

	if _, err := r.store.Update(ctx, t.ID, model.TaskUpdate{ConsumePID: &h.PID}); err != nil {
		r.logger.Warn("record consume pid for %s: %v", t.ID, err)
	}
	started := h.StartedAt
	if _, err := r.store.LogRun(ctx, t.ID, model.RunFields{
		Agent:     sel.Name,
		Model:     sel.Model,
		PID:       &h.PID,
		StartedAt: &started,
	}); err != nil {
		r.logger.Warn("log run for %s: %v", t.ID, err)
	}

	r.metrics.Dispatched(sel.Name)
	r.logger.Info("dispatched task=%s agent=%s model=%s pid=%d", t.ID, sel.Name, sel.Model, h.PID)
	r.publish(events.TaskDispatched, h)
}

func (r *Runner) handleExit(ctx context.Context, ex process.Exit) {
	d, ok := r.inFlight[ex.TaskID]
	if !ok {
		r.logger.Warn("dropped completion for task %s: not in flight", ex.TaskID)
		return
	}
	delete(r.inFlight, ex.TaskID)
	r.syncRunning()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic handling completion of %s: %v\n%s", ex.TaskID, rec, debug.Stack())
		}
	}()
	defer d.release()

	res := CompletionResult{
		TaskID:     ex.TaskID,
		Agent:      d.agent,
		ExitCode:   ex.ExitCode,
		Duration:   ex.Duration,
		SessionID:  ex.SessionID,
		CostUSD:    ex.CostUSD,
		Output:     ex.Output,
		Type:       ClassifyExit(ex),
		KillReason: ex.KillReason,
	}
	if ex.KillReason != "" && res.Type == CompletionSuccess {
		res.Type = CompletionFailed
	}
	r.finishRun(ctx, res)

	switch {
	case ex.KillReason == KillShutdown:
		if _, err := r.store.Reopen(ctx, res.TaskID); err != nil {
			r.logger.Error("reopen %s on shutdown: %v", res.TaskID, err)
		}
		r.metrics.Completed(res.Agent, res.Type)
		r.logger.Info("task %s reopened: runner stopping", res.TaskID)
		return
	case ex.KillReason == KillStopped:
		r.markFailed(ctx, res)
	case res.Type == CompletionSuccess:
		r.tracker.RecordSuccess(res.Agent)
		r.handleSuccess(ctx, res)
	case res.Type == CompletionPermissionBlocked:
		r.tracker.RecordFailure(res.Agent)
		r.handlePermissionBlocked(ctx, res)
	default:
		r.tracker.RecordFailure(res.Agent)
		r.markFailed(ctx, res)
	}

	r.metrics.Completed(res.Agent, res.Type)
	r.logger.Info("completed task=%s agent=%s result=%s code=%d duration=%s",
		res.TaskID, res.Agent, res.Type, res.ExitCode, res.Duration.Round(time.Millisecond))
	r.publish(events.TaskCompleted, res)
	r.publishHealth(res.Agent)
}

func (r *Runner) finishRun(ctx context.Context, res CompletionResult) {
	ended := r.now()
	f := model.RunFields{
		EndedAt:  &ended,
		ExitCode: model.Ptr(res.ExitCode),
		Output:   model.Ptr(tail(res.Output, maxStoredOutput)),
		CostUSD:  res.CostUSD,
		Duration: model.Ptr(res.Duration),
	}
	if res.SessionID != "" {
		f.SessionID = model.Ptr(res.SessionID)
	}
	if err := r.store.UpdateLatestRun(ctx, res.TaskID, f); err != nil {
		r.logger.Warn("finalise run for %s: %v", res.TaskID, err)
	}
}

func (r *Runner) handleSuccess(ctx context.Context, res CompletionResult) {
	if r.reviewer != nil && r.agents.Config().Consume.ReviewEnabled {
		err := r.startReview(ctx, res)
		if err == nil {
			return
		}
		r.logger.Warn("review of %s unavailable, auto-closing: %v", res.TaskID, err)
	}
	r.autoClose(ctx, res.TaskID, model.StatusInProgress, res.ExitCode)
}

func (r *Runner) startReview(ctx context.Context, res CompletionResult) error {
	t, err := r.store.Find(ctx, res.TaskID)
	if err != nil {
		return err
	}
	if t.Status != model.StatusInProgress {
		return fmt.Errorf("task is %s", t.Status)
	}
	if err := r.reviewer.TriggerReview(ctx, t, res.Agent); err != nil {
		return err
	}
	if _, err := r.store.ToReview(ctx, t.ID); err != nil {
		return err
	}
	r.reviewing[t.ID] = res.Agent
	r.logger.Info("task %s sent to review", t.ID)
	return nil
}

// autoClose marks the task done unless something else already moved it out
// of from, such as the agent closing it itself.
func (r *Runner) autoClose(ctx context.Context, taskID string, from model.Status, exitCode int) {
	t, err := r.store.Find(ctx, taskID)
	if err != nil {
		r.logger.Error("re-read task %s: %v", taskID, err)
		return
	}
	if t.Status != from {
		r.logger.Info("task %s already %s, skipping auto-close", taskID, t.Status)
		if _, err := r.store.Update(ctx, taskID, model.TaskUpdate{ClearConsumePID: true}); err != nil {
			r.logger.Warn("clear consume pid for %s: %v", taskID, err)
		}
		return
	}
	if _, err := r.store.Update(ctx, taskID, model.TaskUpdate{
		AddLabels:        []string{LabelAutoClosed},
		Consumed:         model.Ptr(true),
		ConsumedExitCode: model.Ptr(exitCode),
	}); err != nil {
		r.logger.Warn("label %s: %v", taskID, err)
	}
	if _, err := r.store.Done(ctx, taskID, AutoCloseReason, ""); err != nil {
		r.logger.Error("auto-close %s: %v", taskID, err)
	}
}

func (r *Runner) markFailed(ctx context.Context, res CompletionResult) {
	if _, err := r.store.Update(ctx, res.TaskID, model.TaskUpdate{
		Consumed:         model.Ptr(true),
		ConsumedExitCode: model.Ptr(res.ExitCode),
		ConsumedOutput:   model.Ptr(tail(res.Output, maxStoredOutput)),
		ClearConsumePID:  true,
	}); err != nil {
		r.logger.Error("mark %s failed: %v", res.TaskID, err)
	}
}

func (r *Runner) handlePermissionBlocked(ctx context.Context, res CompletionResult) {
	blocker, err := r.store.Create(ctx, model.NewTask{
		Title: fmt.Sprintf(permissionTitle, res.Agent),
		Description: fmt.Sprintf("Agent %q could not run commands while working on %s. "+
			"Grant it the permissions it needs, close this task, and %s will be picked up again.",
			res.Agent, res.TaskID, res.TaskID),
		Complexity: model.ComplexitySimple,
		Priority:   1,
		Labels:     []string{LabelNeedsHuman},
	})
	if err != nil {
		r.logger.Error("create permission task for %s: %v", res.TaskID, err)
		r.markFailed(ctx, res)
		return
	}
	if _, err := r.store.AddDependency(ctx, res.TaskID, blocker.ID); err != nil {
		r.logger.Error("block %s on %s: %v", res.TaskID, blocker.ID, err)
	}
	if _, err := r.store.Reopen(ctx, res.TaskID); err != nil {
		r.logger.Error("reopen %s: %v", res.TaskID, err)
	}
	r.logger.Warn("agent %s blocked on permissions; %s now waits on %s", res.Agent, res.TaskID, blocker.ID)
}

func (r *Runner) handleReview(ctx context.Context, out review.Outcome) {
	taskID := out.Result.TaskID
	if _, ok := r.reviewing[taskID]; !ok {
		r.logger.Warn("dropped review result for %s: no review pending", taskID)
		return
	}
	delete(r.reviewing, taskID)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic handling review of %s: %v\n%s", taskID, rec, debug.Stack())
		}
	}()

	if out.Err != nil {
		r.logger.Warn("review of %s failed, auto-closing: %v", taskID, out.Err)
		r.autoClose(ctx, taskID, model.StatusReview, 0)
		return
	}
	if out.Result.Passed {
		if _, err := r.store.Update(ctx, taskID, model.TaskUpdate{AddLabels: []string{LabelReviewed}}); err != nil {
			r.logger.Warn("label %s: %v", taskID, err)
		}
		if _, err := r.store.Done(ctx, taskID, reviewPassReason, ""); err != nil {
			r.logger.Error("close reviewed task %s: %v", taskID, err)
		}
		return
	}
	reason := "Review failed"
	if len(out.Result.Issues) > 0 {
		reason += ": " + strings.Join(out.Result.Issues, "; ")
	}
	if _, err := r.store.Update(ctx, taskID, model.TaskUpdate{Reason: &reason}); err != nil {
		r.logger.Error("record review issues for %s: %v", taskID, err)
	}
	r.logger.Info("task %s stays in review: %d issue(s)", taskID, len(out.Result.Issues))
}

func (r *Runner) publish(t events.Type, payload any) {
	if r.bus != nil {
		r.bus.Publish(t, payload)
	}
}

func (r *Runner) publishHealth(agent string) {
	s := r.tracker.SummaryFor(agent)
	r.metrics.Failures(agent, s.ConsecutiveFailures)
	r.publish(events.HealthChanged, s)
}

// TaskPrompt is the instruction handed to the agent for a task.
func TaskPrompt(t model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on task %s: %s\n", t.ID, t.Title)
	if d := strings.TrimSpace(t.Description); d != "" {
		fmt.Fprintf(&b, "\n%s\n", d)
	}
	fmt.Fprintf(&b, "\nWhen the work is complete, run `fuel done %s`.\n", t.ID)
	return b.String()
}
