package cleanup

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Process-scoped data directories are named "<prefix>-<pid>" under the data
// dir and normally removed by their owner on exit.
var processDirPrefixes = []string{"chat-", "mcp-"}

// ProcessDir returns the private data directory of an interactive process.
func ProcessDir(dataDir, prefix string, pid int) string {
	return filepath.Join(dataDir, prefix+strconv.Itoa(pid))
}

// ownerPID extracts the pid from a process directory name.
func ownerPID(name string) (int, bool) {
	for _, p := range processDirPrefixes {
		rest, ok := strings.CutPrefix(name, p)
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(rest)
		if err != nil || pid <= 0 {
			return 0, false
		}
		return pid, true
	}
	return 0, false
}

// ReclaimProcessDirs removes process directories under dataDir whose owner
// is no longer alive, as left behind by a crashed chat or MCP process.
func ReclaimProcessDirs(dataDir string, alive func(pid int) bool) (int, error) {
	entries, err := os.ReadDir(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading data dir: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, ok := ownerPID(e.Name())
		if !ok || alive(pid) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dataDir, e.Name())); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", e.Name(), err))
			continue
		}
		slog.Info("removed stale process data dir", "dir", e.Name(), "pid", pid)
		removed++
	}
	return removed, errors.Join(errs...)
}
