// Package daemon provides helpers for running the supervisor as a background
// process: PID file management and child process control.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chroxy-sh/chroxy/internal/fsutil"
)

// DefaultDir returns the directory for persisted state (~/.config/chroxy).
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "chroxy")
	}
	return ".chroxy"
}

// PIDPath returns the path to the supervisor PID file.
func PIDPath() string {
	return filepath.Join(DefaultDir(), "supervisor.pid")
}

// ConfigPath returns the path to the token config file.
func ConfigPath() string {
	return filepath.Join(DefaultDir(), "config.json")
}

// KnownGoodPath returns the path to the optional known-good deploy marker.
func KnownGoodPath() string {
	return filepath.Join(DefaultDir(), "known_good")
}

// LogPath returns the path to the supervisor log file.
func LogPath() string {
	return filepath.Join(DefaultDir(), "supervisor.log")
}

// WritePID writes the given PID to the PID file atomically.
func WritePID(pid int) error {
	return fsutil.WriteFileAtomic(PIDPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPID reads the PID from the PID file. Returns 0 if the file doesn't exist.
func ReadPID() (int, error) {
	data, err := os.ReadFile(PIDPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// RemovePID removes the PID file.
func RemovePID() error {
	err := os.Remove(PIDPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// OpenLogFile opens or creates the log file for appending.
func OpenLogFile() (*os.File, error) {
	if err := os.MkdirAll(DefaultDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return os.OpenFile(LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}
