// Package model defines fuel's tasks, runs and configuration structures.
package model

type Config struct {
	Agents     map[string]AgentConfig          `yaml:"agents" toml:"agents"`
	Complexity map[Complexity]ComplexityConfig `yaml:"complexity" toml:"complexity"`
	Health     HealthConfig                    `yaml:"health" toml:"health"`
	Consume    ConsumeConfig                   `yaml:"consume" toml:"consume"`
	IPC        IPCConfig                       `yaml:"ipc" toml:"ipc"`
	Browser    BrowserConfig                   `yaml:"browser" toml:"browser"`
	Metrics    MetricsConfig                   `yaml:"metrics" toml:"metrics"`
	Logging    LoggingConfig                   `yaml:"logging" toml:"logging"`
}

// AgentConfig describes how to launch one agent CLI. Args may contain the
// placeholders {prompt}, {model} and {task_id}.
type AgentConfig struct {
	Command       string   `yaml:"command" toml:"command"`
	Args          []string `yaml:"args" toml:"args"`
	Model         string   `yaml:"model,omitempty" toml:"model"`
	MaxConcurrent int      `yaml:"max_concurrent" toml:"max_concurrent"`
	Env           []string `yaml:"env,omitempty" toml:"env"`
}

type ComplexityConfig struct {
	Agent string `yaml:"agent" toml:"agent"`
	Model string `yaml:"model,omitempty" toml:"model"`
}

type HealthConfig struct {
	MaxRetries     int `yaml:"max_retries" toml:"max_retries"`
	BackoffBaseSec int `yaml:"backoff_base_sec" toml:"backoff_base_sec"`
	BackoffCapSec  int `yaml:"backoff_cap_sec" toml:"backoff_cap_sec"`
}

type ConsumeConfig struct {
	IntervalSec    int    `yaml:"interval_sec" toml:"interval_sec"`
	TaskTimeoutMin int    `yaml:"task_timeout_min" toml:"task_timeout_min"`
	KillGraceSec   int    `yaml:"kill_grace_sec" toml:"kill_grace_sec"`
	ReviewEnabled  bool   `yaml:"review_enabled" toml:"review_enabled"`
	Reviewer       string `yaml:"reviewer,omitempty" toml:"reviewer"`
	WorkDir        string `yaml:"work_dir,omitempty" toml:"work_dir"`
}

type IPCConfig struct {
	Port int `yaml:"port" toml:"port"`
}

type BrowserConfig struct {
	Headless   bool   `yaml:"headless" toml:"headless"`
	ChromePath string `yaml:"chrome_path,omitempty" toml:"chrome_path"`
	TimeoutSec int    `yaml:"timeout_sec" toml:"timeout_sec"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" toml:"addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}
