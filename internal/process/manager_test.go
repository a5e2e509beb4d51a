package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashleyhindle/fuel/internal/logging"
)

func waitExit(t *testing.T, m *Manager) Exit {
	t.Helper()
	select {
	case ex := <-m.Completions():
		return ex
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit")
		return Exit{}
	}
}

func shell(taskID, script string) Spec {
	return Spec{TaskID: taskID, Agent: "sh", Command: "sh", Args: []string{"-c", script}}
}

func TestManager_SpawnCapturesExit(t *testing.T) {
	m := NewManager(time.Second, logging.Discard())
	defer m.Close()

	h, err := m.Spawn(context.Background(), shell("f-000001", "echo hello; echo oops >&2; exit 3"))
	require.NoError(t, err)
	assert.Greater(t, h.PID, 0)
	assert.Equal(t, "f-000001", h.TaskID)

	ex := waitExit(t, m)
	assert.Equal(t, "f-000001", ex.TaskID)
	assert.Equal(t, 3, ex.ExitCode)
	assert.Contains(t, ex.Output, "hello")
	assert.Contains(t, ex.Output, "oops")
	assert.Empty(t, ex.KillReason)
	assert.False(t, m.IsRunning("f-000001"))
}

func TestManager_SpawnRejectsDuplicateTask(t *testing.T) {
	m := NewManager(time.Second, logging.Discard())
	defer m.Close()

	_, err := m.Spawn(context.Background(), shell("f-000001", "sleep 5"))
	require.NoError(t, err)

	_, err = m.Spawn(context.Background(), shell("f-000001", "true"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, m.Kill("f-000001", "test"))
	waitExit(t, m)
}

func TestManager_SpawnMissingBinary(t *testing.T) {
	m := NewManager(time.Second, logging.Discard())
	defer m.Close()

	_, err := m.Spawn(context.Background(), Spec{TaskID: "f-000001", Command: "/nonexistent/agent-binary"})
	assert.Error(t, err)
	assert.False(t, m.IsRunning("f-000001"))

	_, err = m.Spawn(context.Background(), Spec{TaskID: "f-000002"})
	assert.Error(t, err)
}

func TestManager_KillTerminatesProcessGroup(t *testing.T) {
	m := NewManager(time.Second, logging.Discard())
	defer m.Close()

	h, err := m.Spawn(context.Background(), shell("f-000001", "sleep 30 & wait"))
	require.NoError(t, err)
	assert.True(t, Alive(h.PID))
	assert.Len(t, m.Running(), 1)

	require.NoError(t, m.Kill("f-000001", "stopped"))

	ex := waitExit(t, m)
	assert.Equal(t, "stopped", ex.KillReason)
	assert.NotEqual(t, 0, ex.ExitCode)
	assert.Empty(t, m.Running())
}

func TestManager_KillEscalatesAfterGrace(t *testing.T) {
	m := NewManager(200*time.Millisecond, logging.Discard())
	defer m.Close()

	_, err := m.Spawn(context.Background(), shell("f-000001", "trap '' TERM; sleep 30"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Kill("f-000001", "stopped"))
	ex := waitExit(t, m)
	assert.Equal(t, "stopped", ex.KillReason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestManager_KillUnknownTask(t *testing.T) {
	m := NewManager(time.Second, logging.Discard())
	defer m.Close()
	assert.ErrorIs(t, m.Kill("f-ffffff", "stopped"), ErrNotRunning)
}

func TestManager_Timeout(t *testing.T) {
	m := NewManager(200*time.Millisecond, logging.Discard())
	defer m.Close()

	spec := shell("f-000001", "sleep 30")
	spec.Timeout = 100 * time.Millisecond
	_, err := m.Spawn(context.Background(), spec)
	require.NoError(t, err)

	ex := waitExit(t, m)
	assert.Equal(t, "timeout", ex.KillReason)
}

func TestManager_KillAll(t *testing.T) {
	m := NewManager(time.Second, logging.Discard())
	defer m.Close()

	for _, id := range []string{"f-000001", "f-000002"} {
		_, err := m.Spawn(context.Background(), shell(id, "sleep 30"))
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.KillAll(ctx, "shutdown"))

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		ex := waitExit(t, m)
		seen[ex.TaskID] = ex.KillReason
	}
	assert.Equal(t, map[string]string{"f-000001": "shutdown", "f-000002": "shutdown"}, seen)
}

func TestManager_ParsesSessionAndCost(t *testing.T) {
	m := NewManager(time.Second, logging.Discard())
	defer m.Close()

	script := `echo 'working'; echo '{"type":"result","session_id":"sess-1","total_cost_usd":0.42}'`
	_, err := m.Spawn(context.Background(), shell("f-000001", script))
	require.NoError(t, err)

	ex := waitExit(t, m)
	assert.Equal(t, 0, ex.ExitCode)
	assert.Equal(t, "sess-1", ex.SessionID)
	require.NotNil(t, ex.CostUSD)
	assert.InDelta(t, 0.42, *ex.CostUSD, 1e-9)
}

func TestParseAgentOutput(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		session string
		cost    *float64
	}{
		{"plain text", "Task completed successfully\n", "", nil},
		{"camel case", `{"sessionId":"abc"}`, "abc", nil},
		{"cost_usd", `{"cost_usd":1.5}`, "", ptr(1.5)},
		{"last wins", "{\"session_id\":\"a\"}\n{\"session_id\":\"b\"}", "b", nil},
		{"broken json", "{not json", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, cost := ParseAgentOutput(tt.output)
			assert.Equal(t, tt.session, session)
			assert.Equal(t, tt.cost, cost)
		})
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123"))
	_, _ = b.Write([]byte("456789"))
	assert.Equal(t, "23456789", b.String())

	_, _ = b.Write([]byte("abcdefghijkl"))
	assert.Equal(t, "efghijkl", b.String())
}

func TestTailBuffer_WatchSurvivesScrolling(t *testing.T) {
	b := newTailBuffer(8, "Being Rejected")
	_, _ = b.Write([]byte("commands are being rej"))
	_, _ = b.Write([]byte("ected"))
	_, _ = b.Write([]byte("xxxxxxxxxxxxxxxxxxxx"))
	assert.Equal(t, "xxxxxxxx", b.String())
	assert.Equal(t, "being rejected", b.Matched())

	b = newTailBuffer(8, "rejected")
	_, _ = b.Write([]byte("all good"))
	assert.Empty(t, b.Matched())
}

func TestManager_WatchSeesOutputBeyondTail(t *testing.T) {
	m := NewManager(time.Second, logging.Discard())
	defer m.Close()

	spec := shell("f-000001", `echo "Sorry, terminal commands are being rejected by the user."; head -c 70000 /dev/zero | tr "\0" x; exit 0`)
	spec.Watch = []string{"terminal commands are being rejected"}
	_, err := m.Spawn(context.Background(), spec)
	require.NoError(t, err)

	ex := waitExit(t, m)
	assert.Equal(t, 0, ex.ExitCode)
	assert.Equal(t, defaultOutputTail, len(ex.Output))
	assert.NotContains(t, ex.Output, "rejected")
	assert.Equal(t, "terminal commands are being rejected", ex.Matched)
}

func TestAlive(t *testing.T) {
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func ptr(f float64) *float64 { return &f }

func TestExpandArgs(t *testing.T) {
	args := []string{"--print", "{prompt}", "--model", "{model}", "--tag={task_id}", "{other}"}
	got := ExpandArgs(args, map[string]string{"prompt": "do it", "model": "haiku", "task_id": "f-abc123"})
	assert.Equal(t, []string{"--print", "do it", "--model", "haiku", "--tag=f-abc123", "{other}"}, got)
	assert.Equal(t, "{prompt}", args[1])
}

func TestEnvMap(t *testing.T) {
	assert.Nil(t, EnvMap(nil))
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, EnvMap([]string{"A=1", "B=x=y", "junk", "=v"}))
}
