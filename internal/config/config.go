// Package config locates the .fuel directory and loads its configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ashleyhindle/fuel/internal/atomicfile"
	"github.com/ashleyhindle/fuel/internal/health"
	"github.com/ashleyhindle/fuel/internal/model"
)

const (
	DirName     = ".fuel"
	EnvDir      = "FUEL_DIR"
	yamlName    = "config.yaml"
	tomlName    = "config.toml"
	dbName      = "agent.db"
	pidFileName = "consume-runner.json"
	lockName    = "consume.lock"
)

var ErrNoFuelDir = errors.New("no .fuel directory found (run `fuel init`)")

// Paths lists the files under one .fuel directory.
type Paths struct {
	Dir     string
	DB      string
	PidFile string
	Lock    string
	Config  string
}

func PathsFor(dir string) Paths {
	return Paths{
		Dir:     dir,
		DB:      filepath.Join(dir, dbName),
		PidFile: filepath.Join(dir, pidFileName),
		Lock:    filepath.Join(dir, lockName),
		Config:  filepath.Join(dir, yamlName),
	}
}

// FindDir returns $FUEL_DIR if set, else the nearest .fuel directory at or
// above start.
func FindDir(start string) (string, error) {
	if env := os.Getenv(EnvDir); env != "" {
		abs, err := filepath.Abs(env)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", EnvDir, err)
		}
		return abs, nil
	}

	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoFuelDir
		}
		dir = parent
	}
}

func Default() model.Config {
	return model.Config{
		Agents: map[string]model.AgentConfig{
			"claude": {
				Command:       "claude",
				Args:          []string{"--print", "{prompt}", "--model", "{model}", "--output-format", "json"},
				Model:         "sonnet",
				MaxConcurrent: 2,
			},
		},
		Complexity: map[model.Complexity]model.ComplexityConfig{
			model.ComplexityTrivial:  {Agent: "claude", Model: "haiku"},
			model.ComplexitySimple:   {Agent: "claude", Model: "sonnet"},
			model.ComplexityModerate: {Agent: "claude", Model: "sonnet"},
			model.ComplexityComplex:  {Agent: "claude", Model: "opus"},
		},
		Health: model.HealthConfig{
			MaxRetries:     health.DefaultMaxRetries,
			BackoffBaseSec: int(health.DefaultBackoffBase.Seconds()),
			BackoffCapSec:  int(health.DefaultBackoffCap.Seconds()),
		},
		Consume: model.ConsumeConfig{
			IntervalSec:    5,
			TaskTimeoutMin: 0,
			KillGraceSec:   5,
		},
		Browser: model.BrowserConfig{
			Headless:   true,
			TimeoutSec: 30,
		},
		Logging: model.LoggingConfig{Level: "info"},
	}
}

// Load reads config.yaml, falling back to config.toml, from dir. A missing
// file yields the defaults.
func Load(dir string) (model.Config, error) {
	cfg := model.Config{}

	yamlPath := filepath.Join(dir, yamlName)
	tomlPath := filepath.Join(dir, tomlName)

	data, err := os.ReadFile(yamlPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", yamlName, err)
		}
	case errors.Is(err, os.ErrNotExist):
		data, err = os.ReadFile(tomlPath)
		switch {
		case err == nil:
			if _, err := toml.Decode(string(data), &cfg); err != nil {
				return model.Config{}, fmt.Errorf("decode %s: %w", tomlName, err)
			}
		case errors.Is(err, os.ErrNotExist):
			return Default(), nil
		default:
			return model.Config{}, fmt.Errorf("read %s: %w", tomlName, err)
		}
	default:
		return model.Config{}, fmt.Errorf("read %s: %w", yamlName, err)
	}

	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *model.Config) {
	def := Default()
	if len(cfg.Agents) == 0 {
		cfg.Agents = def.Agents
	}
	if len(cfg.Complexity) == 0 {
		cfg.Complexity = def.Complexity
	}
	if cfg.Health.MaxRetries <= 0 {
		cfg.Health.MaxRetries = def.Health.MaxRetries
	}
	if cfg.Health.BackoffBaseSec <= 0 {
		cfg.Health.BackoffBaseSec = def.Health.BackoffBaseSec
	}
	if cfg.Health.BackoffCapSec <= 0 {
		cfg.Health.BackoffCapSec = def.Health.BackoffCapSec
	}
	if cfg.Consume.IntervalSec <= 0 {
		cfg.Consume.IntervalSec = def.Consume.IntervalSec
	}
	if cfg.Consume.KillGraceSec <= 0 {
		cfg.Consume.KillGraceSec = def.Consume.KillGraceSec
	}
	if cfg.Browser.TimeoutSec <= 0 {
		cfg.Browser.TimeoutSec = def.Browser.TimeoutSec
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
}

// maxDurationSec is the largest number of seconds a time.Duration holds.
const maxDurationSec = int64(health.MaxBackoff / time.Second)

// Validate checks that every complexity maps to a defined agent with a command.
func Validate(cfg model.Config) error {
	var problems []string
	for name, a := range cfg.Agents {
		if strings.TrimSpace(a.Command) == "" {
			problems = append(problems, fmt.Sprintf("agent %q has no command", name))
		}
		if a.MaxConcurrent < 0 {
			problems = append(problems, fmt.Sprintf("agent %q has negative max_concurrent", name))
		}
	}
	for c, sel := range cfg.Complexity {
		if _, err := model.ParseComplexity(string(c)); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if _, ok := cfg.Agents[sel.Agent]; !ok {
			problems = append(problems, fmt.Sprintf("complexity %q uses undefined agent %q", c, sel.Agent))
		}
	}
	if r := cfg.Consume.Reviewer; r != "" {
		if _, ok := cfg.Agents[r]; !ok {
			problems = append(problems, fmt.Sprintf("consume.reviewer uses undefined agent %q", r))
		}
	}
	if int64(cfg.Health.BackoffBaseSec) > maxDurationSec {
		problems = append(problems, fmt.Sprintf("health.backoff_base_sec %d out of range", cfg.Health.BackoffBaseSec))
	}
	if int64(cfg.Health.BackoffCapSec) > maxDurationSec {
		problems = append(problems, fmt.Sprintf("health.backoff_cap_sec %d out of range", cfg.Health.BackoffCapSec))
	}
	if cfg.IPC.Port < 0 || cfg.IPC.Port > 65535 {
		problems = append(problems, fmt.Sprintf("ipc.port %d out of range", cfg.IPC.Port))
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// WriteDefault writes the default config.yaml unless one already exists.
func WriteDefault(dir string) (bool, error) {
	path := filepath.Join(dir, yamlName)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := atomicfile.WriteYAML(path, Default()); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// AgentSelection is the agent and model chosen for a complexity.
type AgentSelection struct {
	Name  string
	Model string
}

// Service serves configuration lookups and supports reloading from disk.
type Service struct {
	mu  sync.RWMutex
	dir string
	cfg model.Config
}

func NewService(dir string, cfg model.Config) *Service {
	return &Service{dir: dir, cfg: cfg}
}

// LoadService loads the config in dir.
func LoadService(dir string) (*Service, error) {
	cfg, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return NewService(dir, cfg), nil
}

// Reload re-reads the config. On error the previous config stays in effect.
func (s *Service) Reload() error {
	cfg, err := Load(s.dir)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

func (s *Service) Config() model.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// GetAgentConfig resolves the agent for a complexity. The complexity's model
// overrides the agent's default model.
func (s *Service) GetAgentConfig(c model.Complexity) (AgentSelection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c == "" {
		c = model.ComplexitySimple
	}
	sel, ok := s.cfg.Complexity[c]
	if !ok {
		return AgentSelection{}, fmt.Errorf("no agent configured for complexity %q", c)
	}
	agent, ok := s.cfg.Agents[sel.Agent]
	if !ok {
		return AgentSelection{}, fmt.Errorf("complexity %q uses undefined agent %q", c, sel.Agent)
	}
	m := sel.Model
	if m == "" {
		m = agent.Model
	}
	return AgentSelection{Name: sel.Agent, Model: m}, nil
}

func (s *Service) Agent(name string) (model.AgentConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.cfg.Agents[name]
	return a, ok
}

// AgentNames returns the configured agents sorted by name.
func (s *Service) AgentNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.cfg.Agents))
	for name := range s.cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetAgentLimit returns max_concurrent for agent, or 0 when unset so callers
// apply their own default.
func (s *Service) GetAgentLimit(agent string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Agents[agent].MaxConcurrent
}

func (s *Service) GetAgentLimits() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.cfg.Agents))
	for name, a := range s.cfg.Agents {
		out[name] = a.MaxConcurrent
	}
	return out
}

func (s *Service) GetAgentMaxRetries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.Health.MaxRetries <= 0 {
		return health.DefaultMaxRetries
	}
	return s.cfg.Health.MaxRetries
}

// GetBackoff returns the health backoff curve from the health section.
func (s *Service) GetBackoff() health.Backoff {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return backoffFor(s.cfg.Health)
}

func backoffFor(h model.HealthConfig) health.Backoff {
	b := health.DefaultBackoff()
	if h.BackoffBaseSec > 0 && int64(h.BackoffBaseSec) <= maxDurationSec {
		b.Base = time.Duration(h.BackoffBaseSec) * time.Second
	}
	if h.BackoffCapSec > 0 && int64(h.BackoffCapSec) <= maxDurationSec {
		b.Cap = time.Duration(h.BackoffCapSec) * time.Second
	}
	return b
}

// Reviewer names the agent that reviews finished work: consume.reviewer, or
// the agent mapped to complex tasks when unset.
func (s *Service) Reviewer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg.Consume.Reviewer != "" {
		return s.cfg.Consume.Reviewer
	}
	return s.cfg.Complexity[model.ComplexityComplex].Agent
}

// IsConfigFile reports whether path names a config file Load reads.
func IsConfigFile(path string) bool {
	base := filepath.Base(path)
	return base == yamlName || base == tomlName
}

// IsDBFile reports whether path is the database or one of its WAL files.
func IsDBFile(path string) bool {
	return strings.HasPrefix(filepath.Base(path), dbName)
}
