package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ashleyhindle/fuel/internal/atomicfile"
	"github.com/ashleyhindle/fuel/internal/process"
)

var ErrDaemonNotRunning = errors.New("daemon not running")

// PidInfo is the content of the runner's pid file.
type PidInfo struct {
	PID       int   `json:"pid"`
	Port      int   `json:"port"`
	StartedAt int64 `json:"started_at"`
}

func WritePidFile(path string, port int) (PidInfo, error) {
	info := PidInfo{PID: os.Getpid(), Port: port, StartedAt: time.Now().Unix()}
	if err := atomicfile.WriteJSON(path, info); err != nil {
		return PidInfo{}, fmt.Errorf("write pid file: %w", err)
	}
	return info, nil
}

func ReadPidFile(path string) (PidInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PidInfo{}, err
	}
	var info PidInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return PidInfo{}, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return info, nil
}

// RemovePidFile deletes the pid file if it still names pid.
func RemovePidFile(path string, pid int) error {
	info, err := ReadPidFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.PID != pid {
		return nil
	}
	return os.Remove(path)
}

// IsRunnerAlive reports whether the pid file exists and its pid is a live
// process. Socket reachability is not consulted.
func IsRunnerAlive(path string) bool {
	_, err := RunnerInfo(path)
	return err == nil
}

// RunnerInfo returns the pid file contents of a live runner, or an error
// wrapping ErrDaemonNotRunning.
func RunnerInfo(path string) (PidInfo, error) {
	info, err := ReadPidFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PidInfo{}, ErrDaemonNotRunning
		}
		return PidInfo{}, fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	if !process.Alive(info.PID) {
		return PidInfo{}, fmt.Errorf("%w (stale pid %d)", ErrDaemonNotRunning, info.PID)
	}
	return info, nil
}

// Dial checks liveness via the pid file and only then connects.
func Dial(pidFile string) (*Client, error) {
	info, err := RunnerInfo(pidFile)
	if err != nil {
		return nil, err
	}
	c := NewClient()
	if err := c.Connect(info.Port); err != nil {
		return nil, err
	}
	return c, nil
}
