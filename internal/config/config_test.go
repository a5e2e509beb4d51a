package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashleyhindle/fuel/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestFindDir_WalksUp(t *testing.T) {
	t.Setenv(EnvDir, "")
	root := t.TempDir()
	fuelDir := filepath.Join(root, DirName)
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(fuelDir, 0755))
	require.NoError(t, os.MkdirAll(nested, 0755))

	got, err := FindDir(nested)
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(fuelDir)
	gotResolved, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, want, gotResolved)
}

func TestFindDir_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDir, dir)
	got, err := FindDir("/")
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}

func TestFindDir_NotFound(t *testing.T) {
	t.Setenv(EnvDir, "")
	_, err := FindDir(t.TempDir())
	if err != nil {
		assert.ErrorIs(t, err, ErrNoFuelDir)
	}
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 10, cfg.Health.MaxRetries)
	assert.Equal(t, 960, cfg.Health.BackoffCapSec)
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
agents:
  claude:
    command: claude
    args: ["--print", "{prompt}"]
    model: sonnet
    max_concurrent: 3
  cursor:
    command: cursor-agent
complexity:
  trivial: {agent: cursor}
  complex: {agent: claude, model: opus}
health:
  max_retries: 4
consume:
  interval_sec: 2
  review_enabled: true
ipc:
  port: 9123
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Agents["claude"].MaxConcurrent)
	assert.Equal(t, 4, cfg.Health.MaxRetries)
	assert.Equal(t, 15, cfg.Health.BackoffBaseSec, "unset fields take defaults")
	assert.Equal(t, 2, cfg.Consume.IntervalSec)
	assert.Equal(t, 5, cfg.Consume.KillGraceSec)
	assert.True(t, cfg.Consume.ReviewEnabled)
	assert.Equal(t, 9123, cfg.IPC.Port)

	svc := NewService(dir, cfg)
	sel, err := svc.GetAgentConfig(model.ComplexityComplex)
	require.NoError(t, err)
	assert.Equal(t, AgentSelection{Name: "claude", Model: "opus"}, sel)

	sel, err = svc.GetAgentConfig(model.ComplexityTrivial)
	require.NoError(t, err)
	assert.Equal(t, AgentSelection{Name: "cursor", Model: ""}, sel)

	_, err = svc.GetAgentConfig(model.ComplexityModerate)
	assert.Error(t, err)

	assert.Equal(t, 3, svc.GetAgentLimit("claude"))
	assert.Equal(t, 0, svc.GetAgentLimit("cursor"))
	assert.Equal(t, map[string]int{"claude": 3, "cursor": 0}, svc.GetAgentLimits())
	assert.Equal(t, 4, svc.GetAgentMaxRetries())
	assert.Equal(t, []string{"claude", "cursor"}, svc.AgentNames())
}

func TestLoad_TOMLFallback(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.toml"), `
[agents.codex]
command = "codex"
args = ["exec", "{prompt}"]
max_concurrent = 1

[complexity.simple]
agent = "codex"

[health]
max_retries = 6
backoff_base_sec = 10
`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.Agents["codex"].Command)
	assert.Equal(t, 1, cfg.Agents["codex"].MaxConcurrent)
	assert.Equal(t, "codex", cfg.Complexity[model.ComplexitySimple].Agent)
	assert.Equal(t, 6, cfg.Health.MaxRetries)
	assert.Equal(t, 10, cfg.Health.BackoffBaseSec)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
agents:
  claude:
    args: []
complexity:
  simple: {agent: ghost}
`)
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `agent "claude" has no command`)
	assert.Contains(t, err.Error(), `undefined agent "ghost"`)

	writeFile(t, filepath.Join(dir, "config.yaml"), "agents: [")
	_, err = Load(dir)
	assert.Error(t, err)
}

func TestWriteDefaultAndReload(t *testing.T) {
	dir := t.TempDir()

	created, err := WriteDefault(dir)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = WriteDefault(dir)
	require.NoError(t, err)
	assert.False(t, created)

	svc, err := LoadService(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, svc.GetAgentLimit("claude"))

	writeFile(t, filepath.Join(dir, "config.yaml"), `
agents:
  claude:
    command: claude
    max_concurrent: 5
`)
	require.NoError(t, svc.Reload())
	assert.Equal(t, 5, svc.GetAgentLimit("claude"))

	writeFile(t, filepath.Join(dir, "config.yaml"), "agents: [")
	assert.Error(t, svc.Reload())
	assert.Equal(t, 5, svc.GetAgentLimit("claude"), "failed reload keeps previous config")
}

func TestPathsFor(t *testing.T) {
	p := PathsFor("/tmp/x/.fuel")
	assert.Equal(t, "/tmp/x/.fuel/agent.db", p.DB)
	assert.Equal(t, "/tmp/x/.fuel/consume-runner.json", p.PidFile)
	assert.Equal(t, "/tmp/x/.fuel/config.yaml", p.Config)
}

func TestService_Reviewer(t *testing.T) {
	cfg := Default()
	svc := NewService(t.TempDir(), cfg)
	assert.Equal(t, "claude", svc.Reviewer(), "falls back to the complex-task agent")

	cfg.Agents["critic"] = model.AgentConfig{Command: "critic"}
	cfg.Consume.Reviewer = "critic"
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "critic", NewService(t.TempDir(), cfg).Reviewer())

	cfg.Consume.Reviewer = "ghost"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `consume.reviewer uses undefined agent "ghost"`)
}

func TestWatchedFileNames(t *testing.T) {
	assert.True(t, IsConfigFile("/x/.fuel/config.yaml"))
	assert.True(t, IsConfigFile("config.toml"))
	assert.False(t, IsConfigFile("/x/.fuel/config.yaml.bak"))
	assert.True(t, IsDBFile("/x/.fuel/agent.db"))
	assert.True(t, IsDBFile("/x/.fuel/agent.db-wal"))
	assert.False(t, IsDBFile("/x/.fuel/consume.lock"))
}

func TestLoad_RejectsBackoffBeyondDuration(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), `
health:
  max_retries: 100
  backoff_cap_sec: 10000000000
`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health.backoff_cap_sec 10000000000 out of range")
}

func TestService_GetBackoff(t *testing.T) {
	cfg := Default()
	cfg.Health.BackoffBaseSec = 2
	cfg.Health.BackoffCapSec = 60
	svc := NewService(t.TempDir(), cfg)

	b := svc.GetBackoff()
	assert.Equal(t, 2*time.Second, b.Base)
	assert.Equal(t, time.Minute, b.Cap)
}
