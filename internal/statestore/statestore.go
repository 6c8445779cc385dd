// Package statestore implements atomic, typed persistence for every
// document loomd keeps under .loom/ (spec.md §4.1, §6). All writes are
// write-then-rename on the same filesystem; missing files decode as the
// caller-supplied zero value rather than an error, matching spec.md's
// "Missing files return empty typed values, not errors."
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store is a repo-anchored, fixed-layout JSON document store. Within one
// process, writes to the same path are serialized (the mutex below);
// cross-process correctness relies on session ownership and claims, not on
// any lock this type takes (spec.md §4.1 "Ordering").
type Store struct {
	root string

	mu    sync.Mutex
	paths map[string]*sync.Mutex
}

// New returns a Store rooted at repoRoot/.loom.
func New(repoRoot string) *Store {
	return &Store{
		root:  filepath.Join(repoRoot, ".loom"),
		paths: map[string]*sync.Mutex{},
	}
}

// Root returns the .loom directory this store is anchored at.
func (s *Store) Root() string { return s.root }

// RepoRoot returns the repository root this store's .loom directory lives
// under (the repoRoot passed to New).
func (s *Store) RepoRoot() string { return filepath.Dir(s.root) }

// Fixed document paths (spec.md §6 "Persistent state layout").
func (s *Store) DaemonStatePath() string  { return filepath.Join(s.root, "daemon-state.json") }
func (s *Store) DaemonMetricsPath() string { return filepath.Join(s.root, "daemon-metrics.json") }
func (s *Store) HealthMetricsPath() string { return filepath.Join(s.root, "health-metrics.json") }
func (s *Store) AlertsPath() string        { return filepath.Join(s.root, "alerts.json") }
func (s *Store) FailureLogPath() string    { return filepath.Join(s.root, "failure-log.json") }
func (s *Store) RecoveryEventsPath() string {
	return filepath.Join(s.root, "metrics", "recovery-events.json")
}

// ProgressPath returns the per-shepherd progress file path for a task ID.
func (s *Store) ProgressPath(taskID string) string {
	return filepath.Join(s.root, "progress", fmt.Sprintf("shepherd-%s.json", taskID))
}

// ProgressDir returns the directory holding all live progress files.
func (s *Store) ProgressDir() string { return filepath.Join(s.root, "progress") }

// ClaimPath returns the claim file path for an issue.
func (s *Store) ClaimPath(issue string) string {
	return filepath.Join(s.root, "claims", fmt.Sprintf("%s.json", issue))
}

// ClaimsDir returns the directory holding all claim files.
func (s *Store) ClaimsDir() string { return filepath.Join(s.root, "claims") }

// WorktreePath returns the worktree root for an issue.
func (s *Store) WorktreePath(issue string) string {
	return filepath.Join(s.root, "worktrees", fmt.Sprintf("issue-%s", issue))
}

// CheckpointPath returns the checkpoint marker path within a worktree.
func CheckpointPath(worktree string) string { return filepath.Join(worktree, ".loom-checkpoint") }

// InUsePath returns the lease-marker path within a worktree.
func InUsePath(worktree string) string { return filepath.Join(worktree, ".loom-in-use") }

// NoChangesNeededPath returns the no-op marker path within a worktree.
func NoChangesNeededPath(worktree string) string {
	return filepath.Join(worktree, ".no-changes-needed")
}

// PRBodyPath returns the optional worker-authored PR body override path.
func (s *Store) PRBodyPath() string { return filepath.Join(s.root, "pr-body.md") }

// StopDaemonPath returns the soft-cancel stop-signal path.
func (s *Store) StopDaemonPath() string { return filepath.Join(s.root, "stop-daemon") }

// StopShepherdsPath returns the all-shepherds stop-signal path.
func (s *Store) StopShepherdsPath() string { return filepath.Join(s.root, "stop-shepherds") }

// SignalStopPath returns the per-worker stop signal path.
func (s *Store) SignalStopPath(name string) string {
	return filepath.Join(s.root, "signals", fmt.Sprintf("stop-%s", name))
}

// SignalPausePath returns the per-worker pause signal path.
func (s *Store) SignalPausePath(name string) string {
	return filepath.Join(s.root, "signals", fmt.Sprintf("pause-%s", name))
}

// LogPath returns a session's log file path.
func (s *Store) LogPath(session string) string {
	return filepath.Join(s.root, "logs", fmt.Sprintf("%s.log", session))
}

// StallDiagnosticPath returns a timestamped stall-diagnostic log path.
func (s *Store) StallDiagnosticPath(suffix string) string {
	return filepath.Join(s.root, "logs", fmt.Sprintf("stall-diagnostic-%s.log", suffix))
}

// DiagnosticsDir returns the directory for killed-session scrollback dumps.
func (s *Store) DiagnosticsDir() string { return filepath.Join(s.root, "diagnostics") }

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.paths[path]
	if !ok {
		m = &sync.Mutex{}
		s.paths[path] = m
	}
	return m
}

// Load decodes the JSON document at path into a freshly zero-valued T. If
// the file does not exist, it returns the zero value of T with no error.
// Unknown fields are ignored (forward-compatible schema evolution).
func Load[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return v, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decoding %s: %w", path, err)
	}
	return v, nil
}

// StoreDoc atomically writes v to path via write-then-rename within the
// same directory (no cross-filesystem rename, no in-place rewrite).
func (s *Store) StoreDoc(path string, v interface{}) error {
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()
	return writeAtomic(path, v)
}

func writeAtomic(path string, v interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s -> %s: %w", tmpPath, path, err)
	}
	return nil
}

// Update loads the document at path, applies mutator, and stores the
// result, all under the path's per-process lock so concurrent Update calls
// from within this daemon never interleave a read with another's write.
func Update[T any](s *Store, path string, mutator func(*T) error) error {
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	var v T
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
	}

	if err := mutator(&v); err != nil {
		return err
	}

	return writeAtomic(path, v)
}

// ListProgressFiles returns the task IDs of every progress file currently
// on disk, sorted for determinism.
func (s *Store) ListProgressFiles() ([]string, error) {
	entries, err := os.ReadDir(s.ProgressDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.ProgressDir(), err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const prefix, suffix = "shepherd-", ".json"
		if len(name) > len(prefix)+len(suffix) && name[:len(prefix)] == prefix && name[len(name)-len(suffix):] == suffix {
			ids = append(ids, name[len(prefix):len(name)-len(suffix)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ArchiveMetrics renames the health metrics file aside with a numbered
// suffix and keeps only the most recent `keep` archives, matching
// daemon_cleanup.py's retention policy (spec.md §4.12 "Startup recovery").
func (s *Store) ArchiveMetrics(keep int) error {
	src := s.HealthMetricsPath()
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", src, err)
	}

	archiveDir := filepath.Join(s.root, "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", archiveDir, err)
	}

	existing, err := filepath.Glob(filepath.Join(archiveDir, "health-metrics.*.json"))
	if err != nil {
		return fmt.Errorf("listing archives: %w", err)
	}
	sort.Strings(existing)

	next := 1
	if n := len(existing); n > 0 {
		var last int
		if _, err := fmt.Sscanf(filepath.Base(existing[n-1]), "health-metrics.%d.json", &last); err == nil {
			next = last + 1
		}
	}
	dst := filepath.Join(archiveDir, fmt.Sprintf("health-metrics.%04d.json", next))
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}

	all := append(existing, dst)
	sort.Strings(all)
	if len(all) > keep {
		for _, stale := range all[:len(all)-keep] {
			_ = os.Remove(stale)
		}
	}

	return os.Remove(src)
}
