// Package workspace bootstraps the supervisor's directories: an ephemeral
// scratch dir wiped on every startup and a persistent log dir, both owned
// by the invoking user rather than the elevated identity used to create
// them.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/stationops/keeper/pkg/logging"
)

// Manager prepares the scratch and log directories.
type Manager struct {
	ScratchDir string
	LogDir     string

	logger *logging.Logger

	// chown is swappable for tests since changing ownership needs root.
	chown func(path string, uid, gid int) error
}

// New creates a Manager with the default layout: scratch under the OS temp
// root, logs wherever the logging package resolved them.
func New(logger *logging.Logger) *Manager {
	return &Manager{
		ScratchDir: filepath.Join(os.TempDir(), "keeper"),
		LogDir:     logging.DefaultDir(),
		logger:     logger,
		chown:      os.Chown,
	}
}

// Prepare wipes and recreates the scratch directory, ensures the log
// directory exists, and hands ownership of both to the invoking user.
func (m *Manager) Prepare() error {
	if err := os.RemoveAll(m.ScratchDir); err != nil {
		return fmt.Errorf("failed to clear scratch dir %s: %w", m.ScratchDir, err)
	}
	if err := os.MkdirAll(m.ScratchDir, 0755); err != nil {
		return fmt.Errorf("failed to create scratch dir %s: %w", m.ScratchDir, err)
	}
	if err := os.MkdirAll(m.LogDir, 0755); err != nil {
		return fmt.Errorf("failed to create log dir %s: %w", m.LogDir, err)
	}

	uid, gid, ok := InvokingUser()
	if !ok {
		return nil
	}
	for _, dir := range []string{m.ScratchDir, m.LogDir} {
		if err := m.chown(dir, uid, gid); err != nil {
			m.logger.Warn("Could not hand directory to invoking user", map[string]interface{}{
				"dir": dir, "uid": uid, "error": err.Error(),
			})
		}
	}
	return nil
}

// InvokingUser resolves the pre-elevation identity from SUDO_UID/SUDO_GID.
// Returns ok=false when not running under sudo or the values are malformed.
func InvokingUser() (uid, gid int, ok bool) {
	uidStr, gidStr := os.Getenv("SUDO_UID"), os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return 0, 0, false
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return 0, 0, false
	}
	gid, err = strconv.Atoi(gidStr)
	if err != nil {
		return 0, 0, false
	}
	return uid, gid, true
}
