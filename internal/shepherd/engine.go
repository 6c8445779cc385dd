// Package shepherd implements the per-issue phase engine (spec.md §4.5
// "Shepherd Phase Engine"), grounded on steveyegge-vc/internal/executor's
// spawn-monitor-classify event loop, generalized from "one polecat task"
// to the full curate→build→judge→doctor pipeline with stuck-aware retry.
package shepherd

import (
	"context"
	"fmt"
	"time"

	"github.com/loomhq/loomd/internal/clock"
	"github.com/loomhq/loomd/internal/config"
	"github.com/loomhq/loomd/internal/sessionhost"
	"github.com/loomhq/loomd/internal/statestore"
)

// Outcome classifies a phase worker's exit code (spec.md §6 "Exit codes").
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeShutdown Outcome = "shutdown"
	OutcomeStuck    Outcome = "stuck"
	OutcomeNoOp     Outcome = "no_op"
	OutcomeFailure  Outcome = "failure"
)

func classifyExit(code int) Outcome {
	switch code {
	case sessionhost.ExitSuccess:
		return OutcomeOK
	case sessionhost.ExitShutdown:
		return OutcomeShutdown
	case sessionhost.ExitStuck:
		return OutcomeStuck
	case sessionhost.ExitNoOp:
		return OutcomeNoOp
	default:
		return OutcomeFailure
	}
}

// RunResult is one run_phase_with_retry invocation's outcome.
type RunResult struct {
	Outcome  Outcome
	ExitCode int
	Attempts int
	// SessionName is the (possibly attempt-suffixed) session the worker
	// last ran in, kept for diagnostic capture.
	SessionName string
}

// Engine spawns, monitors, and classifies phase workers (spec.md §4.5
// "Phase runner wraps run_phase_with_retry").
type Engine struct {
	Host   sessionhost.SessionHost
	Store  *statestore.Store
	Clock  clock.Clock
	Config *config.Config

	// PollInterval paces ExitCode polling; defaults to 2s.
	PollInterval time.Duration
	// Sleep is the injectable delay primitive, context-aware so shutdown
	// can interrupt a wait; defaults to a real context-respecting sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnSpawn is a test hook invoked synchronously right after a
	// successful Spawn, before polling begins — lets tests finish a fake
	// session deterministically without a real wait.
	OnSpawn func(name string)
}

func (e *Engine) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return 2 * time.Second
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunPhaseWithRetry spawns baseOpts.Name, waits for it to exit, and
// classifies the result. A Stuck outcome is retried up to
// Config.Shepherd.StuckMaxRetries times with a short cooldown, each retry
// suffixing the session name with "-a1", "-a2", ... (spec.md §4.5).
func (e *Engine) RunPhaseWithRetry(ctx context.Context, baseOpts sessionhost.SpawnOptions) (RunResult, error) {
	maxRetries := e.Config.Shepherd.StuckMaxRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		name := baseOpts.Name
		if attempt > 0 {
			name = fmt.Sprintf("%s-a%d", baseOpts.Name, attempt)
		}
		opts := baseOpts
		opts.Name = name

		if err := e.Host.Spawn(ctx, opts); err != nil {
			return RunResult{}, fmt.Errorf("spawning session %s: %w", name, err)
		}
		if e.OnSpawn != nil {
			e.OnSpawn(name)
		}

		code, err := e.waitForExit(ctx, name)
		if err != nil {
			return RunResult{}, fmt.Errorf("waiting for session %s: %w", name, err)
		}

		outcome := classifyExit(code)
		result := RunResult{Outcome: outcome, ExitCode: code, Attempts: attempt + 1, SessionName: name}
		if outcome != OutcomeStuck {
			return result, nil
		}

		if err := e.captureDiagnostic(ctx, name); err != nil {
			return result, fmt.Errorf("capturing stuck diagnostic for %s: %w", name, err)
		}
		if attempt < maxRetries {
			if err := e.sleep(ctx, e.Config.Shepherd.StuckRetryCooldown); err != nil {
				return result, err
			}
			continue
		}
		return result, nil
	}
	return RunResult{Outcome: OutcomeStuck}, nil
}

func (e *Engine) waitForExit(ctx context.Context, name string) (int, error) {
	for {
		code, done, err := e.Host.ExitCode(ctx, name)
		if err != nil {
			return 0, err
		}
		if done {
			return code, nil
		}
		if err := e.sleep(ctx, e.pollInterval()); err != nil {
			return 0, err
		}
	}
}

func (e *Engine) captureDiagnostic(ctx context.Context, name string) error {
	scrollback, err := e.Host.Capture(ctx, name, 500)
	if err != nil {
		scrollback = fmt.Sprintf("(capture failed: %v)", err)
	}
	path := e.Store.StallDiagnosticPath(fmt.Sprintf("%s-%d", name, e.Clock.Now().Unix()))
	return e.Store.StoreDoc(path, map[string]string{"session": name, "scrollback": scrollback})
}
