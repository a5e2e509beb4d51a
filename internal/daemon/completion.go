package daemon

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ashleyhindle/fuel/internal/process"
)

type CompletionType string

const (
	CompletionSuccess           CompletionType = "success"
	CompletionFailed            CompletionType = "failed"
	CompletionPermissionBlocked CompletionType = "permission_blocked"
)

// Kill reasons the runner passes to the process manager.
const (
	KillStopped  = "stopped"
	KillShutdown = "shutdown"
	KillTimeout  = "timeout"
)

// permissionPatterns mark output from an agent whose tool calls were refused.
var permissionPatterns = []string{
	"commands are being rejected",
	"terminal commands are being rejected",
	"please manually complete",
}

// CompletionResult is the classified end of one agent run.
type CompletionResult struct {
	TaskID     string         `json:"task_id"`
	Agent      string         `json:"agent"`
	ExitCode   int            `json:"exit_code"`
	Duration   time.Duration  `json:"duration"`
	SessionID  string         `json:"session_id,omitempty"`
	CostUSD    *float64       `json:"cost_usd,omitempty"`
	Output     string         `json:"-"`
	Type       CompletionType `json:"type"`
	KillReason string         `json:"kill_reason,omitempty"`
}

// Classify decides how a run ended. Permission refusals win over the exit
// code because agents often exit 0 after giving up.
func Classify(exitCode int, output string) CompletionType {
	lower := strings.ToLower(output)
	for _, p := range permissionPatterns {
		if strings.Contains(lower, p) {
			return CompletionPermissionBlocked
		}
	}
	if exitCode == 0 {
		return CompletionSuccess
	}
	return CompletionFailed
}

// ClassifyExit is Classify with the permission patterns the process manager
// saw while streaming, which covers refusals that scrolled out of the tail.
func ClassifyExit(ex process.Exit) CompletionType {
	if ex.Matched != "" {
		return CompletionPermissionBlocked
	}
	return Classify(ex.ExitCode, ex.Output)
}

const maxStoredOutput = 4096

// tail keeps the last n bytes of s, cut at a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for i := 0; i < len(s); i++ {
		if utf8.RuneStart(s[i]) {
			return s[i:]
		}
	}
	return ""
}
