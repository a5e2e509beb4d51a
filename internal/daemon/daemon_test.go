package daemon

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashleyhindle/fuel/internal/browser"
	"github.com/ashleyhindle/fuel/internal/config"
	"github.com/ashleyhindle/fuel/internal/ipc"
)

type stubBrowser struct{}

func (stubBrowser) Goto(_ context.Context, pageID, url string) (browser.PageInfo, error) {
	return browser.PageInfo{PageID: pageID, URL: url}, nil
}
func (stubBrowser) Click(context.Context, string, string) error { return browser.ErrElementNotFound }
func (stubBrowser) Type(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (stubBrowser) HTML(context.Context, string, string, bool) (string, error) { return "", nil }
func (stubBrowser) Snapshot(context.Context, string, string, bool) (browser.Snapshot, error) {
	return browser.Snapshot{}, nil
}
func (stubBrowser) Run(context.Context, string, string) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}
func (stubBrowser) Close(context.Context, string) error { return nil }
func (stubBrowser) Shutdown()                           {}

type runningDaemon struct {
	d        *Daemon
	dir      string
	reg      *prometheus.Registry
	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
}

func startDaemon(t *testing.T) *runningDaemon {
	t.Helper()
	dir := filepath.Join(t.TempDir(), config.DirName)
	require.NoError(t, os.MkdirAll(dir, 0755))

	reg := prometheus.NewRegistry()
	d, err := New(dir, Options{LogWriter: io.Discard, Browser: stubBrowser{}, Registry: reg, Paused: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rd := &runningDaemon{d: d, dir: dir, reg: reg, cancel: cancel, done: make(chan error, 1)}
	go func() { rd.done <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case err := <-rd.done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	t.Cleanup(func() { rd.stop(t) })
	return rd
}

func (rd *runningDaemon) stop(t *testing.T) {
	rd.stopOnce.Do(func() {
		rd.cancel()
		select {
		case err := <-rd.done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})
}

func dial(t *testing.T, rd *runningDaemon) *ipc.Client {
	t.Helper()
	c, err := ipc.Dial(config.PathsFor(rd.dir).PidFile)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDaemon_PingAndPidFile(t *testing.T) {
	rd := startDaemon(t)
	pidFile := config.PathsFor(rd.dir).PidFile
	assert.True(t, ipc.IsRunnerAlive(pidFile))

	c := dial(t, rd)
	ev, err := c.Call(callCtx(t), ipc.PingPayload{})
	require.NoError(t, err)
	var ack ipc.AckPayload
	require.NoError(t, ev.Decode(&ack))
	assert.Equal(t, "pong", ack.Message)
	var info PingInfo
	require.NoError(t, json.Unmarshal(ack.Data, &info))
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, rd.d.Port(), info.Port)
	assert.True(t, info.Paused)

	assert.Equal(t, 1.0, testutil.ToFloat64(rd.d.metrics.ipcCommands.WithLabelValues("ping")))

	rd.stop(t)
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "pid file removed on shutdown")
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	rd := startDaemon(t)
	other, err := New(rd.dir, Options{LogWriter: io.Discard, Browser: stubBrowser{}})
	require.NoError(t, err)
	err = other.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, ipc.IsRunnerAlive(config.PathsFor(rd.dir).PidFile), "refused instance leaves the pid file alone")
}

func TestDaemon_HealthAndControl(t *testing.T) {
	rd := startDaemon(t)
	c := dial(t, rd)
	ctx := callCtx(t)

	require.NoError(t, c.Attach(ctx))

	ev, err := c.Call(ctx, ipc.HealthSummaryPayload{})
	require.NoError(t, err)
	var snap ipc.HealthSnapshot
	require.NoError(t, ev.Decode(&snap))
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "claude", snap.Agents[0].Agent)
	assert.Equal(t, "healthy", snap.Agents[0].Status)
	assert.True(t, snap.Paused)

	_, err = c.Call(ctx, ipc.ResumePayload{})
	require.NoError(t, err)
	assert.False(t, rd.d.Runner().Paused())

	_, err = c.Call(ctx, ipc.PausePayload{})
	require.NoError(t, err)
	assert.True(t, rd.d.Runner().Paused())

	_, err = c.Call(ctx, ipc.ScanPayload{})
	require.NoError(t, err)

	_, err = c.Call(ctx, ipc.HealthResetPayload{})
	var remote *ipc.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ipc.ErrCodeValidation, remote.Code)

	rd.d.tracker.RecordFailure("claude")
	ev, err = c.Call(ctx, ipc.HealthResetPayload{Agent: "all"})
	require.NoError(t, err)
	assert.Equal(t, ipc.EvtAck, ev.Type)
	assert.Equal(t, 0, rd.d.tracker.GetHealthStatus("claude").ConsecutiveFailures)

	require.Eventually(t, func() bool {
		for _, ev := range c.PollEvents() {
			c.ApplyEvent(ev)
		}
		h := c.Health()
		return len(h) == 1 && h[0].ConsecutiveFailures == 0
	}, 2*time.Second, 20*time.Millisecond)

	_, err = c.Call(ctx, ipc.StopTaskPayload{TaskID: "f-000000"})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ipc.ErrCodeNotFound, remote.Code)
}

func TestDaemon_BrowserCommandsRouted(t *testing.T) {
	rd := startDaemon(t)
	c := dial(t, rd)
	ctx := callCtx(t)

	ev, err := c.Call(ctx, ipc.BrowserGotoPayload{PageID: "p1", URL: "http://localhost"})
	require.NoError(t, err)
	var resp ipc.BrowserResponse
	require.NoError(t, ev.Decode(&resp))
	assert.True(t, resp.Success)

	ev, err = c.Call(ctx, ipc.BrowserClickPayload{BrowserTarget: ipc.BrowserTarget{PageID: "p1", Selector: "#missing"}})
	require.NoError(t, err)
	var failed ipc.BrowserResponse
	require.NoError(t, ev.Decode(&failed))
	assert.False(t, failed.Success)
	assert.Equal(t, ipc.ErrCodeElementNotFound, failed.ErrorCode)
	assert.Nil(t, failed.Result)
}

func TestDaemon_ReloadAppliesBackoff(t *testing.T) {
	rd := startDaemon(t)

	yml := "health:\n  max_retries: 50\n  backoff_base_sec: 1\n  backoff_cap_sec: 2\n"
	require.NoError(t, os.WriteFile(filepath.Join(rd.dir, "config.yaml"), []byte(yml), 0644))
	rd.d.reloadConfig()

	assert.Equal(t, 50, rd.d.tracker.MaxRetries())
	for i := 0; i < 6; i++ {
		rd.d.tracker.RecordFailure("claude")
	}
	h := rd.d.tracker.GetHealthStatus("claude")
	require.NotNil(t, h.BackoffUntil)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), *h.BackoffUntil, time.Second)
}
