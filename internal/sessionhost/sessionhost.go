// Package sessionhost defines the abstract interface to the external
// terminal multiplexer that hosts worker processes (spec.md §2 "SessionHost
// (external)"). Behavior of a concrete host (tmux, screen, ...) is out of
// scope per spec.md §1 — loomd only needs to create/kill/enumerate named
// sessions, send input, and capture scrollback.
package sessionhost

import "context"

// SpawnOptions describes a worker session to create.
type SpawnOptions struct {
	// Name is the unique session name (e.g. "shepherd-a1b2c3d" or with a
	// retry suffix "shepherd-a1b2c3d-a1").
	Name string
	// WorkingDir is the directory the worker process starts in.
	WorkingDir string
	// Command is the argv of the worker process (the wrapped LLM CLI).
	Command []string
	// Env is additional environment variables for the worker process.
	Env map[string]string
}

// SessionHost creates/kills/enumerates named worker sessions (spec.md §2,
// §4.5, §4.11).
type SessionHost interface {
	// Spawn starts a new named session running opts.Command.
	Spawn(ctx context.Context, opts SpawnOptions) error
	// Exists reports whether a session with the given name is alive.
	Exists(ctx context.Context, name string) (bool, error)
	// List returns the names of every live session.
	List(ctx context.Context) ([]string, error)
	// SendInput sends literal keystrokes to a session (e.g. "Enter", a
	// slash command, or ctrl-c as an escape sequence understood by the
	// concrete host).
	SendInput(ctx context.Context, name, input string) error
	// Capture returns the last maxLines of a session's scrollback.
	Capture(ctx context.Context, name string, maxLines int) (string, error)
	// ExitCode returns the worker process's exit code once the session has
	// terminated, or (0, false, nil) while still running.
	ExitCode(ctx context.Context, name string) (code int, done bool, err error)
	// Kill terminates a session. graceful requests ctrl-c before a hard
	// kill (spec.md §4.6 "kill_session").
	Kill(ctx context.Context, name string, graceful bool) error
}

// Exit codes observed from worker subprocesses (spec.md §6 "Exit codes").
const (
	ExitSuccess  = 0
	ExitShutdown = 3
	ExitStuck    = 4
	ExitNoOp     = 5
)
