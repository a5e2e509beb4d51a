// Package review runs a reviewer agent over work another agent reported as
// finished and decides whether it passes.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashleyhindle/fuel/internal/logging"
	"github.com/ashleyhindle/fuel/internal/model"
	"github.com/ashleyhindle/fuel/internal/process"
)

const DefaultTimeout = 10 * time.Minute

var (
	ErrUnknownReviewer = errors.New("reviewer agent not configured")
	ErrNoVerdict       = errors.New("reviewer output has no verdict")
	ErrInReview        = errors.New("task already under review")
)

// Outcome reports a finished review. Err is set when the review itself
// failed; Result is then meaningless.
type Outcome struct {
	Result model.ReviewResult
	Agent  string
	Err    error
}

// Service reviews finished tasks asynchronously. TriggerReview only reports
// failures to start; everything after arrives on Results.
type Service interface {
	TriggerReview(ctx context.Context, task model.Task, agent string) error
	Results() <-chan Outcome
	Close()
}

// AgentSource resolves the reviewer agent. *config.Service satisfies it.
type AgentSource interface {
	Agent(name string) (model.AgentConfig, bool)
	Reviewer() string
}

type Option func(*AgentReviewer)

func WithTimeout(d time.Duration) Option {
	return func(r *AgentReviewer) { r.timeout = d }
}

func WithDir(dir string) Option {
	return func(r *AgentReviewer) { r.dir = dir }
}

func WithClock(now func() time.Time) Option {
	return func(r *AgentReviewer) { r.now = now }
}

// AgentReviewer launches the reviewer as a subprocess through its own
// process manager and parses its verdict.
type AgentReviewer struct {
	agents  AgentSource
	procs   *process.Manager
	timeout time.Duration
	dir     string
	now     func() time.Time
	logger  *logging.Logger

	mu      sync.Mutex
	pending map[string]string

	results   chan Outcome
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewAgentReviewer(agents AgentSource, killGrace time.Duration, logger *logging.Logger, opts ...Option) *AgentReviewer {
	r := &AgentReviewer{
		agents:  agents,
		procs:   process.NewManager(killGrace, logger),
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  logger.With("review"),
		pending: make(map[string]string),
		results: make(chan Outcome, 16),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.wg.Add(1)
	go r.collect()
	return r
}

func (r *AgentReviewer) Results() <-chan Outcome {
	return r.results
}

func (r *AgentReviewer) TriggerReview(ctx context.Context, task model.Task, agent string) error {
	name := r.agents.Reviewer()
	cfg, ok := r.agents.Agent(name)
	if !ok {
		return fmt.Errorf("review %s: %w: %q", task.ID, ErrUnknownReviewer, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.pending[task.ID]; busy {
		return fmt.Errorf("review %s: %w", task.ID, ErrInReview)
	}

	args := process.ExpandArgs(cfg.Args, map[string]string{
		"prompt":  Prompt(task, agent),
		"model":   cfg.Model,
		"task_id": task.ID,
	})
	h, err := r.procs.Spawn(ctx, process.Spec{
		TaskID:  task.ID,
		Agent:   name,
		Model:   cfg.Model,
		Command: cfg.Command,
		Args:    args,
		Env:     process.EnvMap(cfg.Env),
		Dir:     r.dir,
		Timeout: r.timeout,
	})
	if err != nil {
		return fmt.Errorf("review %s: %w", task.ID, err)
	}
	r.pending[task.ID] = agent
	r.logger.Info("review started task=%s reviewer=%s pid=%d", task.ID, name, h.PID)
	return nil
}

func (r *AgentReviewer) collect() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case ex := <-r.procs.Completions():
			out := r.outcome(ex)
			select {
			case r.results <- out:
			case <-r.done:
				return
			}
		}
	}
}

func (r *AgentReviewer) outcome(ex process.Exit) Outcome {
	r.mu.Lock()
	agent := r.pending[ex.TaskID]
	delete(r.pending, ex.TaskID)
	r.mu.Unlock()

	out := Outcome{Agent: agent, Result: model.ReviewResult{TaskID: ex.TaskID, CompletedAt: r.now()}}
	switch {
	case ex.KillReason != "":
		out.Err = fmt.Errorf("review of %s stopped: %s", ex.TaskID, ex.KillReason)
	case ex.ExitCode != 0:
		out.Err = fmt.Errorf("reviewer exited with code %d for %s", ex.ExitCode, ex.TaskID)
	default:
		passed, issues, err := ParseVerdict(ex.Output)
		if err != nil {
			out.Err = fmt.Errorf("review of %s: %w", ex.TaskID, err)
			break
		}
		out.Result.Passed = passed
		out.Result.Issues = issues
	}
	if out.Err != nil {
		r.logger.Warn("%v", out.Err)
	} else {
		r.logger.Info("review finished task=%s passed=%t issues=%d", ex.TaskID, out.Result.Passed, len(out.Result.Issues))
	}
	return out
}

// Pending returns the number of reviews still running.
func (r *AgentReviewer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close stops running reviewers and the result collector.
func (r *AgentReviewer) Close() {
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.procs.KillAll(ctx, "shutdown"); err != nil {
			r.logger.Warn("reviewers still running at shutdown: %v", err)
		}
		close(r.done)
		r.procs.Close()
		r.wg.Wait()
	})
}

// Prompt is the instruction handed to the reviewer agent.
func Prompt(task model.Task, agent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the work done for task %s: %s\n", task.ID, task.Title)
	if d := strings.TrimSpace(task.Description); d != "" {
		fmt.Fprintf(&b, "\n%s\n", d)
	}
	fmt.Fprintf(&b, "\nThe agent %q reported this task complete. Inspect the changes in the repository.\n", agent)
	b.WriteString("Finish with a line \"REVIEW: PASS\", or \"REVIEW: FAIL\" followed by one issue per line starting with \"- \".\n")
	return b.String()
}

type jsonVerdict struct {
	Passed *bool    `json:"passed"`
	Issues []string `json:"issues"`
	Result *string  `json:"result"`
}

// ParseVerdict reads the reviewer's decision. A JSON line with "passed" wins;
// a JSON envelope with a "result" string is searched recursively; otherwise
// the last REVIEW: PASS|FAIL line decides and "- " lines after a FAIL are the
// issues.
func ParseVerdict(output string) (bool, []string, error) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var v jsonVerdict
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue
		}
		if v.Passed != nil {
			return *v.Passed, nonEmpty(v.Issues), nil
		}
		if v.Result != nil {
			if passed, issues, err := ParseVerdict(*v.Result); err == nil {
				return passed, issues, nil
			}
		}
	}

	verdict := -1
	for i := len(lines) - 1; i >= 0; i-- {
		upper := strings.ToUpper(strings.TrimSpace(lines[i]))
		if strings.HasPrefix(upper, "REVIEW: PASS") || strings.HasPrefix(upper, "REVIEW: FAIL") {
			verdict = i
			break
		}
	}
	if verdict < 0 {
		return false, nil, ErrNoVerdict
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(lines[verdict])), "REVIEW: PASS") {
		return true, nil, nil
	}
	var issues []string
	for _, l := range lines[verdict+1:] {
		l = strings.TrimSpace(l)
		if issue, ok := strings.CutPrefix(l, "- "); ok {
			issues = append(issues, strings.TrimSpace(issue))
		}
	}
	return false, nonEmpty(issues), nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
