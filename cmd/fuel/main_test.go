package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashleyhindle/fuel/internal/browser"
	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/daemon"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/model"
	"github.com/ashleyhindle/fuel/internal/store"
)

func runFuel(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// initFuel points FUEL_DIR at a fresh directory and runs `fuel init`.
func initFuel(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), config.DirName)
	t.Setenv(config.EnvDir, dir)
	out, _, err := runFuel(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialised")
	return dir
}

func openTestStore(t *testing.T, dir string) *store.Store {
	t.Helper()
	st, err := store.Open(config.PathsFor(dir).DB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestInit_WritesConfigOnce(t *testing.T) {
	dir := initFuel(t)
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
	assert.FileExists(t, config.PathsFor(dir).DB)

	out, _, err := runFuel(t, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already initialised")
}

func TestAddAndReady(t *testing.T) {
	initFuel(t)

	out, _, err := runFuel(t, "add", "Write schema", "-p", "1", "--json")
	require.NoError(t, err)
	var blocker model.Task
	require.NoError(t, json.Unmarshal([]byte(out), &blocker))
	assert.Equal(t, 1, blocker.Priority)
	assert.Equal(t, model.ComplexitySimple, blocker.Complexity)

	out, _, err = runFuel(t, "add", "Build API", "-c", "complex", "--blocked-by", blocker.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Created task: f-")

	out, _, err = runFuel(t, "ready", "--json")
	require.NoError(t, err)
	var ready []model.Task
	require.NoError(t, json.Unmarshal([]byte(out), &ready))
	require.Len(t, ready, 1)
	assert.Equal(t, blocker.ID, ready[0].ID)

	out, _, err = runFuel(t, "ready")
	require.NoError(t, err)
	assert.Contains(t, out, "Write schema")
	assert.NotContains(t, out, "Build API")
}

func TestAdd_RejectsBadInput(t *testing.T) {
	initFuel(t)

	_, _, err := runFuel(t, "add", "x", "-c", "huge")
	require.Error(t, err)

	_, _, err = runFuel(t, "add", "x", "--blocked-by", "f-ffffff")
	require.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestDone_ReportsEachFailure(t *testing.T) {
	dir := initFuel(t)
	st := openTestStore(t, dir)
	task, err := st.Create(context.Background(), model.NewTask{Title: "ship it", Priority: 2})
	require.NoError(t, err)

	out, stderr, err := runFuel(t, "done", task.ID, "f-ffffff", "--reason", "merged")
	require.Error(t, err)
	assert.Contains(t, out, "Completed: "+task.ID)
	assert.Contains(t, stderr, "task not found")
	assert.Contains(t, err.Error(), "f-ffffff")

	got, err := st.Find(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, got.Status)
	require.NotNil(t, got.Reason)
	assert.Equal(t, "merged", *got.Reason)
}

func TestRetry_ClearsConsumedFields(t *testing.T) {
	dir := initFuel(t)
	st := openTestStore(t, dir)
	ctx := context.Background()

	task, err := st.Create(ctx, model.NewTask{Title: "flaky", Priority: 2})
	require.NoError(t, err)
	_, err = st.Start(ctx, task.ID)
	require.NoError(t, err)
	_, err = st.Update(ctx, task.ID, model.TaskUpdate{
		Consumed:         model.Ptr(true),
		ConsumedExitCode: model.Ptr(1),
		ConsumedOutput:   model.Ptr("boom"),
	})
	require.NoError(t, err)

	out, _, err := runFuel(t, "retry", task.ID, "--json")
	require.NoError(t, err)
	var retried []model.Task
	require.NoError(t, json.Unmarshal([]byte(out), &retried))
	require.Len(t, retried, 1)

	got, err := st.Find(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, got.Status)
	assert.False(t, got.Consumed)
	assert.Nil(t, got.ConsumedAt)
	assert.Nil(t, got.ConsumedExitCode)
	assert.Nil(t, got.ConsumedOutput)

	_, stderr, err := runFuel(t, "retry", task.ID)
	require.Error(t, err)
	assert.Contains(t, stderr, "not a consumed in_progress task")
}

func TestBrowserTarget(t *testing.T) {
	tests := []struct {
		name       string
		positional string
		ref        string
		wantSel    string
		wantRef    string
		wantErr    string
	}{
		{name: "selector", positional: "button#submit", wantSel: "button#submit"},
		{name: "bare ref", positional: "@e4", wantRef: "@e4"},
		{name: "flag ref", ref: "@e2", wantRef: "@e2"},
		{name: "both", positional: "#a", ref: "@e2", wantErr: "Provide either a selector or --ref, not both"},
		{name: "neither", wantErr: "Either a selector or --ref is required"},
		{name: "bad ref", ref: "e2", wantErr: "Invalid ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := browserFlags{ref: tt.ref}
			sel, ref, err := f.target(tt.positional)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				var verr *browser.ValidationError
				assert.True(t, errors.As(err, &verr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSel, sel)
			assert.Equal(t, tt.wantRef, ref)
		})
	}
}

func TestBrowser_ValidationBeforeDaemonCheck(t *testing.T) {
	initFuel(t)

	_, _, err := runFuel(t, "browser:click", "page", "#a", "--ref", "@e1")
	require.Error(t, err)
	assert.Equal(t, "Provide either a selector or --ref, not both", err.Error())

	_, _, err = runFuel(t, "browser:type", "page", "hello", "--delay=-5", "--ref", "@e1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--delay")

	_, _, err = runFuel(t, "browser:click", "page", "#a")
	require.ErrorIs(t, err, ipc.ErrDaemonNotRunning)
}

func TestCommands_DaemonNotRunning(t *testing.T) {
	dir := initFuel(t)
	raw, err := json.Marshal(ipc.PidInfo{PID: 0, Port: 1, StartedAt: time.Now().Unix()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(config.PathsFor(dir).PidFile, raw, 0o644))

	for _, args := range [][]string{
		{"health"},
		{"health-clear", "claude"},
		{"pause"},
		{"stop", "f-abc123"},
		{"browser:snapshot", "page"},
	} {
		_, _, err := runFuel(t, args...)
		assert.ErrorIs(t, err, ipc.ErrDaemonNotRunning, "fuel %s", strings.Join(args, " "))
	}
}

func TestConsume_FlagConflicts(t *testing.T) {
	initFuel(t)
	_, _, err := runFuel(t, "consume", "--unpause", "--paused")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be combined")
}

type cliBrowser struct{}

func (cliBrowser) Goto(_ context.Context, pageID, url string) (browser.PageInfo, error) {
	return browser.PageInfo{PageID: pageID, URL: url, Title: "Example"}, nil
}
func (cliBrowser) Click(_ context.Context, _, selector string) error {
	if selector == "#missing" {
		return browser.ErrElementNotFound
	}
	return nil
}
func (cliBrowser) Type(context.Context, string, string, string, time.Duration) error { return nil }
func (cliBrowser) HTML(_ context.Context, _, _ string, inner bool) (string, error) {
	if inner {
		return "<b>hi</b>", nil
	}
	return "<p><b>hi</b></p>", nil
}
func (cliBrowser) Snapshot(context.Context, string, string, bool) (browser.Snapshot, error) {
	return browser.Snapshot{URL: "http://example.test", Elements: []browser.Element{{Ref: "@e1", Tag: "button"}}}, nil
}
func (cliBrowser) Run(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage(`{"answer":42}`), nil
}
func (cliBrowser) Close(context.Context, string) error { return nil }
func (cliBrowser) Shutdown()                           {}

func startTestDaemon(t *testing.T, dir string) {
	t.Helper()
	d, err := daemon.New(dir, daemon.Options{
		LogWriter: io.Discard,
		Browser:   cliBrowser{},
		Registry:  prometheus.NewRegistry(),
		Paused:    true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case <-d.Ready():
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func TestCommands_AgainstRunningDaemon(t *testing.T) {
	dir := initFuel(t)
	startTestDaemon(t, dir)

	out, _, err := runFuel(t, "health", "--json")
	require.NoError(t, err)
	var snap ipc.HealthSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.True(t, snap.Paused)
	require.NotEmpty(t, snap.Agents)
	assert.Equal(t, "claude", snap.Agents[0].Agent)

	out, _, err = runFuel(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "paused")
	assert.Contains(t, out, "claude")

	out, _, err = runFuel(t, "health-clear")
	require.NoError(t, err)
	assert.Contains(t, out, "health reset: all")

	out, _, err = runFuel(t, "pause")
	require.NoError(t, err)
	assert.Equal(t, "paused\n", out)

	out, _, err = runFuel(t, "consume", "--resume")
	require.NoError(t, err)
	assert.Equal(t, "resumed\n", out)

	_, _, err = runFuel(t, "consume")
	require.ErrorIs(t, err, daemon.ErrAlreadyRunning)

	_, _, err = runFuel(t, "stop", "f-ffffff")
	var remote *ipc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ipc.ErrCodeNotFound, remote.Code)
}

func TestBrowserCommands_AgainstRunningDaemon(t *testing.T) {
	dir := initFuel(t)
	startTestDaemon(t, dir)

	out, _, err := runFuel(t, "browser:goto", "test-page", "http://example.test", "--json")
	require.NoError(t, err)
	var resp ipc.BrowserResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Success)

	_, _, err = runFuel(t, "browser:click", "test-page", "button#submit")
	require.NoError(t, err)

	out, _, err = runFuel(t, "browser:html", "test-page", "p", "--inner")
	require.NoError(t, err)
	assert.Equal(t, "<b>hi</b>\n", out)

	out, _, err = runFuel(t, "browser:run", "test-page", "return {answer: 42}")
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer":42}`, out)

	_, _, err = runFuel(t, "browser:click", "test-page", "#missing")
	var remote *ipc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ipc.ErrCodeElementNotFound, remote.Code)

	out, _, err = runFuel(t, "browser:click", "test-page", "#missing", "--json")
	require.Error(t, err)
	resp = ipc.BrowserResponse{}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Result)
	assert.Equal(t, ipc.ErrCodeElementNotFound, resp.ErrorCode)
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printResult(&buf, json.RawMessage(`"plain text"`)))
	assert.Equal(t, "plain text\n", buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, json.RawMessage(`[1,2]`)))
	assert.JSONEq(t, `[1,2]`, buf.String())

	buf.Reset()
	require.NoError(t, printResult(&buf, nil))
	assert.Empty(t, buf.String())
}

func TestRenderHealth(t *testing.T) {
	var buf bytes.Buffer
	renderHealth(&buf, ipc.HealthSnapshot{
		Agents: []health.Summary{
			{Agent: "claude", Status: "healthy", TotalRuns: 4, TotalSuccesses: 3},
			{Agent: "codex", Status: "unhealthy", ConsecutiveFailures: 10, IsDead: true, BackoffSeconds: 960},
			{Agent: "gemini", Status: "degraded", ConsecutiveFailures: 2, InBackoff: true, BackoffSeconds: 30},
		},
		InFlight: []string{"f-abc123"},
	})
	out := buf.String()
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "In flight: f-abc123")
	assert.Contains(t, out, "3/4")
	assert.Contains(t, out, "fuel health-clear codex")
	assert.Contains(t, out, "30s")
}
