package main

import (
	"context"
	"fmt"

	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/sessionhost"
	"github.com/loomhq/loomd/internal/tracker"
)

// newTracker and newSessionHost construct the daemon's external backends.
// loomd specifies only the Tracker and SessionHost interfaces (spec.md §1
// "Out of scope": the external issue/PR API and the terminal multiplexer);
// a concrete GitHub/GitLab tracker or tmux/screen session host is left to a
// downstream build that replaces these package-level hooks before calling
// Execute(). Left unwired, every command that needs one fails fast with a
// clear error rather than silently no-oping.
var (
	newTracker = func(ctx context.Context, cfg *config.Config) (tracker.Tracker, error) {
		return nil, fmt.Errorf("no Tracker backend wired: loomd specifies only the interface (spec.md §1); " +
			"replace cmd/loomd's newTracker hook with a concrete implementation")
	}

	newSessionHost = func(ctx context.Context, cfg *config.Config) (sessionhost.SessionHost, error) {
		return nil, fmt.Errorf("no SessionHost backend wired: loomd specifies only the interface (spec.md §1); " +
			"replace cmd/loomd's newSessionHost hook with a concrete implementation")
	}
)
