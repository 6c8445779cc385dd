// Package claims implements file-based exclusive claims on issues with TTL
// and holder identity (spec.md §4.2 "ClaimManager"). It generalizes
// steveyegge-vc/internal/storage/lock.go's create-or-refuse, PID-liveness
// exclusive-lock pattern from "one lock file for the whole process" to "one
// claim file per issue with a time-based TTL" — the daemon has no PID to
// check for a claim holder that may be a freshly spawned CLI worker the
// daemon itself hasn't observed yet, so TTL expiry (not liveness) is the
// sole validity test, exactly as spec.md §4.2 requires.
package claims

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loomhq/loomd/internal/statestore"
)

// Claim is the on-disk claim-file format (spec.md §3 "Claim").
type Claim struct {
	Issue      string    `json:"issue"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTL        string    `json:"ttl"` // duration string, e.g. "30m"
}

func (c Claim) ttlDuration() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0
	}
	return d
}

// expiredAt reports whether the claim has passed its TTL as of now.
func (c Claim) expiredAt(now time.Time) bool {
	return now.After(c.AcquiredAt.Add(c.ttlDuration()))
}

// Manager is the ClaimManager described in spec.md §4.2.
type Manager struct {
	store *statestore.Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Manager backed by store's claims directory.
func New(store *statestore.Store) *Manager {
	return &Manager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		locks: map[string]*sync.Mutex{},
	}
}

// WithClock overrides the time source (tests only).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) lockFor(issue string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[issue]
	if !ok {
		l = &sync.Mutex{}
		m.locks[issue] = l
	}
	return l
}

// Acquire creates a claim file for issue iff none exists or the existing
// one is past its TTL. Acquire(I, H) followed by Acquire(I, H) (same
// holder, still valid) is a no-op that returns ok=true; Acquire(I, H')
// during validity returns ok=false.
func (m *Manager) Acquire(issue, holder string, ttl time.Duration) (bool, error) {
	lock := m.lockFor(issue)
	lock.Lock()
	defer lock.Unlock()

	path := m.store.ClaimPath(issue)
	existing, found, err := readClaim(path)
	if err != nil {
		return false, err
	}

	now := m.now()
	if found && !existing.expiredAt(now) {
		return existing.Holder == holder, nil
	}

	claim := Claim{
		Issue:      issue,
		Holder:     holder,
		AcquiredAt: now,
		TTL:        ttl.String(),
	}
	if err := writeClaim(path, claim); err != nil {
		return false, err
	}
	return true, nil
}

// IsHeldValid reports whether issue currently has a non-expired claim.
// Recovery code must call this before taking destructive action on an
// issue (spec.md §4.2 invariant).
func (m *Manager) IsHeldValid(issue string) (bool, error) {
	path := m.store.ClaimPath(issue)
	claim, found, err := readClaim(path)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return !claim.expiredAt(m.now()), nil
}

// Holder returns the current claim holder for issue, or "" if unclaimed or
// expired.
func (m *Manager) Holder(issue string) (string, error) {
	path := m.store.ClaimPath(issue)
	claim, found, err := readClaim(path)
	if err != nil {
		return "", err
	}
	if !found || claim.expiredAt(m.now()) {
		return "", nil
	}
	return claim.Holder, nil
}

// Release removes the claim on issue iff holder matches the current
// holder; it silently succeeds (no error) if the claim is absent or held
// by someone else.
func (m *Manager) Release(issue, holder string) error {
	lock := m.lockFor(issue)
	lock.Lock()
	defer lock.Unlock()

	path := m.store.ClaimPath(issue)
	claim, found, err := readClaim(path)
	if err != nil {
		return err
	}
	if !found || claim.Holder != holder {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("releasing claim on %s: %w", issue, err)
	}
	return nil
}

func readClaim(path string) (Claim, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Claim{}, false, nil
		}
		return Claim{}, false, fmt.Errorf("reading claim %s: %w", path, err)
	}
	var c Claim
	if err := json.Unmarshal(data, &c); err != nil {
		return Claim{}, false, fmt.Errorf("decoding claim %s: %w", path, err)
	}
	return c, true, nil
}

func writeClaim(path string, c Claim) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding claim: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-claim-*")
	if err != nil {
		return fmt.Errorf("creating temp claim file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing claim: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing claim temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming claim into place: %w", err)
	}
	return nil
}
