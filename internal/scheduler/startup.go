package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/statestore"
)

// PIDFilePath is the single-daemon lock spec.md §4.12 describes.
func PIDFilePath(store *statestore.Store) string {
	return store.Root() + "/loomd.pid"
}

// AcquirePIDLock refuses to start a second daemon against the same repo
// root: if the recorded PID is alive, it returns an error; if the file is
// stale (process no longer exists, or unreadable), it is cleaned and
// replaced with this process's PID (spec.md §4.12 "Single-daemon lock").
func AcquirePIDLock(store *statestore.Store, pid int) error {
	path := PIDFilePath(store)
	data, err := os.ReadFile(path)
	if err == nil {
		if existing, convErr := strconv.Atoi(string(data)); convErr == nil && processAlive(existing) {
			return fmt.Errorf("daemon already running with pid %d (lock file %s)", existing, path)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading pid file %s: %w", path, err)
	}

	if err := os.MkdirAll(store.Root(), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", store.Root(), err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644)
}

// ReleasePIDLock removes the lock file on clean shutdown.
func ReleasePIDLock(store *statestore.Store) error {
	err := os.Remove(PIDFilePath(store))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 checks liveness
	// without actually sending a signal. EPERM means the process exists
	// but belongs to another user, so it counts as alive.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// StartupRecovery implements spec.md §4.12 "Startup recovery": rotate the
// previous state file, archive old metrics (keep last 10), then run orphan
// detection with recover=true to clean up artefacts from a prior crash.
func StartupRecovery(ctx context.Context, store *statestore.Store, clk clock.Clock, sessionID string, sweep func(ctx context.Context) error) error {
	if err := rotatePreviousState(store, clk); err != nil {
		return fmt.Errorf("rotating previous state: %w", err)
	}
	if err := store.ArchiveMetrics(10); err != nil {
		return fmt.Errorf("archiving metrics: %w", err)
	}

	fresh := statestore.NewDaemonState()
	fresh.StartedAt = clk.Now()
	fresh.Running = true
	fresh.DaemonSessionID = sessionID
	if err := store.StoreDoc(store.DaemonStatePath(), fresh); err != nil {
		return fmt.Errorf("writing fresh daemon state: %w", err)
	}

	if sweep != nil {
		if err := sweep(ctx); err != nil {
			return fmt.Errorf("recovery sweep: %w", err)
		}
	}
	return nil
}

func rotatePreviousState(store *statestore.Store, clk clock.Clock) error {
	prior, err := statestore.Load[statestore.DaemonState](store.DaemonStatePath())
	if err != nil {
		return err
	}
	if prior.StartedAt.IsZero() {
		return nil
	}
	rotated := prior
	stopped := clk.Now()
	rotated.StoppedAt = &stopped
	rotated.Running = false
	archivePath := fmt.Sprintf("%s.%d", store.DaemonStatePath(), clk.Now().Unix())
	return store.StoreDoc(archivePath, rotated)
}
