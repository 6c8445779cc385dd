package loomtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomhq/loomd/internal/vcs"
)

type fakeBranch struct {
	worktree string
	base     string
	commits  []vcs.CommitInfo
	staged   []string
	ahead    int
	behind   int
	pushed   bool
}

// VCS is an in-memory vcs.VCS fake: no actual git repository is touched.
type VCS struct {
	mu       sync.Mutex
	worktree map[string]string // path -> base
	branch   map[string]*fakeBranch
	current  map[string]string // worktree path -> branch name
	nextHash int
}

// NewVCS returns an empty fake VCS backend.
func NewVCS() *VCS {
	return &VCS{
		worktree: make(map[string]string),
		branch:   make(map[string]*fakeBranch),
		current:  make(map[string]string),
		nextHash: 1,
	}
}

func (v *VCS) CreateWorktree(ctx context.Context, repoRoot, path, base string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.worktree[path]; exists {
		return fmt.Errorf("worktree %s already exists", path)
	}
	v.worktree[path] = base
	return nil
}

func (v *VCS) RemoveWorktree(ctx context.Context, repoRoot, path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.worktree, path)
	delete(v.current, path)
	return nil
}

func (v *VCS) CreateBranch(ctx context.Context, worktree, branch, base string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.branch[branch] = &fakeBranch{worktree: worktree, base: base}
	v.current[worktree] = branch
	return nil
}

func (v *VCS) DeleteBranch(ctx context.Context, repoRoot, branch string, deleteRemote bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.branch, branch)
	return nil
}

func (v *VCS) BranchExists(ctx context.Context, repoRoot, branch string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.branch[branch]
	return ok, nil
}

func (v *VCS) Status(ctx context.Context, worktree string) (*vcs.Status, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	branch := v.current[worktree]
	b, ok := v.branch[branch]
	hasChanges := ok && len(b.staged) > 0
	return &vcs.Status{Staged: append([]string{}, stagedOf(b)...), HasChanges: hasChanges}, nil
}

func stagedOf(b *fakeBranch) []string {
	if b == nil {
		return nil
	}
	return b.staged
}

func (v *VCS) Diff(ctx context.Context, worktree string, staged bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	branch := v.current[worktree]
	b := v.branch[branch]
	if b == nil || len(b.staged) == 0 {
		return "", nil
	}
	return fmt.Sprintf("diff --git a/%s b/%s\n", b.staged[0], b.staged[0]), nil
}

func (v *VCS) DiffStat(ctx context.Context, worktree string, staged bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	branch := v.current[worktree]
	b := v.branch[branch]
	if b == nil {
		return "0 files changed", nil
	}
	return fmt.Sprintf("%d files changed", len(b.staged)), nil
}

func (v *VCS) Log(ctx context.Context, worktree, base string) ([]vcs.CommitInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	branch := v.current[worktree]
	b := v.branch[branch]
	if b == nil {
		return nil, nil
	}
	return append([]vcs.CommitInfo{}, b.commits...), nil
}

func (v *VCS) CommitsAheadBehind(ctx context.Context, worktree, base string) (int, int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	branch := v.current[worktree]
	b := v.branch[branch]
	if b == nil {
		return 0, 0, nil
	}
	return b.ahead, b.behind, nil
}

func (v *VCS) Stage(ctx context.Context, worktree string, paths []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	branch := v.current[worktree]
	b, ok := v.branch[branch]
	if !ok {
		return fmt.Errorf("no branch checked out in %s", worktree)
	}
	b.staged = append(b.staged, paths...)
	return nil
}

func (v *VCS) Commit(ctx context.Context, worktree, message string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	branch := v.current[worktree]
	b, ok := v.branch[branch]
	if !ok {
		return "", fmt.Errorf("no branch checked out in %s", worktree)
	}
	hash := fmt.Sprintf("%07x", v.nextHash)
	v.nextHash++
	b.commits = append(b.commits, vcs.CommitInfo{Hash: hash, Subject: message})
	b.staged = nil
	b.ahead++
	return hash, nil
}

func (v *VCS) Push(ctx context.Context, worktree, branch string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	b, ok := v.branch[branch]
	if !ok {
		return fmt.Errorf("branch %s not found", branch)
	}
	b.pushed = true
	return nil
}

func (v *VCS) CurrentBranch(ctx context.Context, worktree string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	branch, ok := v.current[worktree]
	if !ok {
		return "", fmt.Errorf("no branch checked out in %s", worktree)
	}
	return branch, nil
}

var _ vcs.VCS = (*VCS)(nil)
