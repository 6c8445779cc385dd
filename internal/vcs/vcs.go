// Package vcs defines the abstract interface to version control (spec.md
// §2 "VCS (external)": worktrees, branches, diff/status/log, push, commit,
// stage) plus a concrete git-CLI-backed implementation, grounded on
// steveyegge-vc/internal/git/git.go and internal/sandbox/git.go's
// exec.CommandContext wrapping style.
package vcs

import "context"

// Status is the working-tree status of a repository or worktree.
type Status struct {
	Modified   []string
	Untracked  []string
	Deleted    []string
	Staged     []string
	HasChanges bool
}

// CommitInfo describes one commit in a shortlog.
type CommitInfo struct {
	Hash    string
	Subject string
}

// VCS is the abstract surface the phase validators and orphan recovery
// drive against a worktree (spec.md §2, §4.4, §4.6).
type VCS interface {
	// CreateWorktree creates a detached-HEAD worktree at path tracking base.
	CreateWorktree(ctx context.Context, repoRoot, path, base string) error
	// RemoveWorktree removes a worktree and prunes the worktree list.
	RemoveWorktree(ctx context.Context, repoRoot, path string) error
	// CreateBranch creates and checks out branch in the given worktree.
	CreateBranch(ctx context.Context, worktree, branch, base string) error
	// DeleteBranch deletes a local branch, and the matching remote branch
	// if deleteRemote is true.
	DeleteBranch(ctx context.Context, repoRoot, branch string, deleteRemote bool) error
	// BranchExists reports whether a local branch exists.
	BranchExists(ctx context.Context, repoRoot, branch string) (bool, error)

	// Status returns the worktree's status.
	Status(ctx context.Context, worktree string) (*Status, error)
	// Diff returns the unified diff (staged if staged, else working tree).
	Diff(ctx context.Context, worktree string, staged bool) (string, error)
	// DiffStat returns a condensed "N files changed, +A -D" style summary.
	DiffStat(ctx context.Context, worktree string, staged bool) (string, error)
	// Log returns the shortlog of commits ahead of base on HEAD.
	Log(ctx context.Context, worktree, base string) ([]CommitInfo, error)
	// CommitsAheadBehind reports how many commits HEAD is ahead of base
	// (local commits not yet merged into base, present whether or not
	// they've been pushed) and how many commits behind the worktree's
	// upstream tracking branch it is (0 if no upstream is configured yet).
	CommitsAheadBehind(ctx context.Context, worktree, base string) (ahead, behind int, err error)

	// Stage stages the given paths for the next commit.
	Stage(ctx context.Context, worktree string, paths []string) error
	// Commit creates a commit with the given message from the current
	// staged changes.
	Commit(ctx context.Context, worktree, message string) (hash string, err error)
	// Push pushes the current branch to its remote, creating the upstream
	// tracking ref if necessary.
	Push(ctx context.Context, worktree, branch string) error

	// CurrentBranch returns the worktree's checked-out branch name.
	CurrentBranch(ctx context.Context, worktree string) (string, error)
}
