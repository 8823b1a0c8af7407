package install

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Concurrent system pipelines append to one shared install log. The file
// lock serializes the writes across pipelines (and across any sibling
// zathras processes sharing the results directory).
var (
	logMu   sync.Mutex
	logPath = filepath.Join(os.TempDir(), "zathras-install.log")
)

// SetLogPath points the shared install log at the run's results directory.
func SetLogPath(path string) {
	logMu.Lock()
	defer logMu.Unlock()
	logPath = path
}

func logInstall(system, step, status string) {
	logMu.Lock()
	defer logMu.Unlock()

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Debug("can't open install log", slog.String("error", err.Error()))
		return
	}
	defer f.Close()

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
	if err != nil {
		slog.Debug("can't lock install log", slog.String("error", err.Error()))
		return
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	fmt.Fprintf(f, "%s %s %s %s\n", time.Now().Format(time.RFC3339), system, step, status)
}
