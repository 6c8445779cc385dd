package loomtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loomd/internal/sessionhost"
)

type fakeSession struct {
	opts       sessionhost.SpawnOptions
	lines      []string
	exitCode   int
	done       bool
	killed     bool
	gracefully bool
}

// SessionHost is an in-memory sessionhost.SessionHost fake.
type SessionHost struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
}

// NewSessionHost returns an empty fake session host.
func NewSessionHost() *SessionHost {
	return &SessionHost{sessions: make(map[string]*fakeSession)}
}

// Finish marks a session's worker as exited with the given code, the way a
// real wrapped CLI process would terminate on its own.
func (h *SessionHost) Finish(name string, code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[name]; ok {
		s.exitCode = code
		s.done = true
	}
}

// Feed appends a raw output line to name's scrollback, as if the wrapped
// CLI had printed it (unlike SendInput, which records a "> " echoed
// keystroke line instead).
func (h *SessionHost) Feed(name, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[name]; ok {
		s.lines = append(s.lines, line)
	}
}

// WasKilled reports whether Kill was ever called on name, and whether it was
// graceful.
func (h *SessionHost) WasKilled(name string) (killed, graceful bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[name]
	if !ok {
		return false, false
	}
	return s.killed, s.gracefully
}

func (h *SessionHost) Spawn(ctx context.Context, opts sessionhost.SpawnOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sessions[opts.Name]; exists {
		return fmt.Errorf("session %s already exists", opts.Name)
	}
	h.sessions[opts.Name] = &fakeSession{opts: opts}
	return nil
}

func (h *SessionHost) Exists(ctx context.Context, name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[name]
	return ok && !s.done, nil
}

func (h *SessionHost) List(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for name, s := range h.sessions {
		if !s.done {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (h *SessionHost) SendInput(ctx context.Context, name, input string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[name]
	if !ok {
		return fmt.Errorf("session %s not found", name)
	}
	s.lines = append(s.lines, "> "+input)
	return nil
}

func (h *SessionHost) Capture(ctx context.Context, name string, maxLines int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[name]
	if !ok {
		return "", fmt.Errorf("session %s not found", name)
	}
	lines := s.lines
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out, nil
}

func (h *SessionHost) ExitCode(ctx context.Context, name string) (int, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[name]
	if !ok {
		return 0, false, fmt.Errorf("session %s not found", name)
	}
	return s.exitCode, s.done, nil
}

func (h *SessionHost) Kill(ctx context.Context, name string, graceful bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[name]
	if !ok {
		return nil
	}
	s.killed = true
	s.gracefully = graceful
	s.done = true
	return nil
}

var _ sessionhost.SessionHost = (*SessionHost)(nil)
