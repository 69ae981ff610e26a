// Package worktree implements the workspace isolation manager (component
// C, spec §4.2): per-task checkouts of a version-controlled repository so
// concurrent tasks never collide on the same (root_path, branch) pair.
// Grounded on the teacher's git-worktree manager (getRepoLock, git
// worktree add/remove via os/exec, isGitRepo/branchExists via git
// rev-parse), extended with commit-before-destroy reclaim and the
// multiple-working-tree feature probe spec §4.2 requires.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
)

// Manager provisions and reclaims isolated worktrees.
type Manager struct {
	config Config
	logger *logger.Logger

	mu          sync.RWMutex
	worktrees   map[string]*Worktree             // taskID -> worktree
	activeByKey map[domain.WorkspaceKey]string   // (root_path, branch) -> taskID

	repoLockMu sync.Mutex
	repoLocks  map[string]*sync.Mutex

	probeOnce   sync.Once
	multiSupported bool
}

// NewManager creates a workspace manager.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	cfg.Validate()
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		config:      cfg,
		logger:      log.WithFields(zap.String("component", "worktree-manager")),
		worktrees:   make(map[string]*Worktree),
		activeByKey: make(map[domain.WorkspaceKey]string),
		repoLocks:   make(map[string]*sync.Mutex),
	}
}

func (m *Manager) getRepoLock(rootPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	lock, ok := m.repoLocks[rootPath]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[rootPath] = lock
	}
	return lock
}

// GetByTaskID returns the worktree provisioned for a task, if any.
func (m *Manager) GetByTaskID(taskID string) (*Worktree, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wt, ok := m.worktrees[taskID]
	return wt, ok
}

// supportsMultipleWorktrees probes, once per process, whether the git
// binary on PATH supports `git worktree` at all (spec §4.2's
// "feature-gated by a version probe"). Older git builds (pre-2.5) lack the
// worktree subcommand entirely. The probe runs inside rootPath, a verified
// git repository, so it does not depend on the process working directory.
func (m *Manager) supportsMultipleWorktrees(ctx context.Context, rootPath string) bool {
	m.probeOnce.Do(func() {
		cmd := exec.CommandContext(ctx, "git", "worktree", "list")
		cmd.Dir = rootPath
		m.multiSupported = cmd.Run() == nil
	})
	return m.multiSupported
}

func isGitRepo(path string) bool {
	gitPath := filepath.Join(path, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func branchExists(ctx context.Context, repoPath, branch string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// withRetry runs fn, retrying once on failure per spec §4.2's
// "any filesystem or VCS error is retried once" policy.
func withRetry(fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	return fn()
}

// Provision creates (or reuses) an isolated checkout for a task
// (spec §4.2). If branch is empty it is auto-generated as
// `task/<slug(task_name)>`. If git lacks worktree support, the manager
// falls back to root_path itself and refuses a second writable checkout.
func (m *Manager) Provision(ctx context.Context, taskID, taskName, rootPath, baseBranch, branch string) (*Worktree, error) {
	if branch == "" {
		branch = m.config.BranchName(taskName)
	}
	if !isGitRepo(rootPath) {
		return nil, apperr.Validation(fmt.Sprintf("%q is not a git repository", rootPath))
	}

	key := domain.WorkspaceKey{RootPath: rootPath, Branch: branch}

	repoLock := m.getRepoLock(rootPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	m.mu.RLock()
	if owner, busy := m.activeByKey[key]; busy && owner != taskID {
		m.mu.RUnlock()
		return nil, apperr.BranchInUse(rootPath, branch)
	}
	if existing, ok := m.worktrees[taskID]; ok {
		m.mu.RUnlock()
		return existing, nil
	}
	m.mu.RUnlock()

	if !m.supportsMultipleWorktrees(ctx, rootPath) {
		return m.provisionShared(rootPath, baseBranch, branch, taskID, taskName, key)
	}
	return m.provisionIsolated(ctx, rootPath, baseBranch, branch, taskID, taskName, key)
}

func (m *Manager) provisionShared(rootPath, baseBranch, branch, taskID, taskName string, key domain.WorkspaceKey) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, owner := range m.activeByKey {
		if k.RootPath == rootPath && owner != taskID {
			return nil, apperr.BranchInUse(rootPath, branch)
		}
	}

	now := time.Now().UTC()
	wt := &Worktree{
		TaskID: taskID, TaskName: taskName, RootPath: rootPath, Path: rootPath,
		Branch: branch, BaseBranch: baseBranch, Shared: true, Status: StatusActive,
		CreatedAt: now, UpdatedAt: now,
	}
	m.worktrees[taskID] = wt
	m.activeByKey[key] = taskID
	m.logger.Warn("git worktree unsupported, falling back to shared checkout",
		zap.String("task_id", taskID), zap.String("root_path", rootPath))
	return wt, nil
}

func (m *Manager) provisionIsolated(ctx context.Context, rootPath, baseBranch, branch, taskID, taskName string, key domain.WorkspaceKey) (*Worktree, error) {
	worktreePath := filepath.Join(rootPath, m.config.IsolatedSubdir, taskName)

	err := withRetry(func() error {
		// A fresh exec.Cmd per attempt: an exec.Cmd cannot be run twice.
		var cmd *exec.Cmd
		if branchExists(ctx, rootPath, branch) {
			cmd = exec.CommandContext(ctx, "git", "worktree", "add", worktreePath, branch)
		} else {
			cmd = exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, worktreePath, baseBranch)
		}
		cmd.Dir = rootPath
		output, runErr := cmd.CombinedOutput()
		if runErr != nil {
			if strings.Contains(string(output), "already exists") || strings.Contains(string(output), "already checked out") {
				return apperr.BranchInUse(rootPath, branch)
			}
			m.logger.Error("git worktree add failed", zap.String("output", string(output)), zap.Error(runErr))
			return fmt.Errorf("git worktree add: %s", string(output))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	wt := &Worktree{
		TaskID: taskID, TaskName: taskName, RootPath: rootPath, Path: worktreePath,
		Branch: branch, BaseBranch: baseBranch, Status: StatusActive,
		CreatedAt: now, UpdatedAt: now,
	}

	m.mu.Lock()
	m.worktrees[taskID] = wt
	m.activeByKey[key] = taskID
	m.mu.Unlock()

	m.logger.Info("provisioned worktree",
		zap.String("task_id", taskID), zap.String("path", worktreePath), zap.String("branch", branch))
	return wt, nil
}

// Reconcile sweeps rootPath's isolated-subdir for per-task checkouts that
// have no corresponding entry in activeTaskNames, and reclaims them. Run
// once at startup per known workspace root (spec §9's supplemented
// orphaned-workspace feature): a process crash between provisioning a
// worktree and persisting its task row — or a task row deleted out from
// under a still-mounted checkout — otherwise leaves a directory the
// manager's in-memory bookkeeping never learns about, which would then
// wrongly appear available (or block) the next provision on that branch.
func (m *Manager) Reconcile(ctx context.Context, rootPath string, activeTaskNames map[string]struct{}) error {
	isolatedDir := filepath.Join(rootPath, m.config.IsolatedSubdir)
	entries, err := os.ReadDir(isolatedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read isolated dir %q: %w", isolatedDir, err)
	}

	repoLock := m.getRepoLock(rootPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	var swept int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, active := activeTaskNames[entry.Name()]; active {
			continue
		}

		orphanPath := filepath.Join(isolatedDir, entry.Name())
		m.logger.Warn("reconcile: reclaiming orphaned workspace with no active task row",
			zap.String("root_path", rootPath), zap.String("path", orphanPath))

		rmCmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", orphanPath)
		rmCmd.Dir = rootPath
		if out, err := rmCmd.CombinedOutput(); err != nil {
			m.logger.Warn("reconcile: git worktree remove failed, falling back to rm -rf",
				zap.String("path", orphanPath), zap.String("output", string(out)), zap.Error(err))
			_ = os.RemoveAll(orphanPath)
		}
		swept++
	}

	if swept > 0 {
		pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
		pruneCmd.Dir = rootPath
		_ = pruneCmd.Run()
		m.logger.Info("reconcile: swept orphaned workspaces", zap.String("root_path", rootPath), zap.Int("count", swept))
	}
	return nil
}

// MultiProvision provisions a worktree for every write-access project
// attachment; read-only projects are left referenced in place
// (spec §4.2 multi_provision).
func (m *Manager) MultiProvision(ctx context.Context, taskID, taskName string, projects []domain.ProjectAttachment) ([]*Worktree, error) {
	var provisioned []*Worktree
	for _, p := range projects {
		if p.Access != domain.AccessWrite {
			continue
		}
		wt, err := m.Provision(ctx, taskID+":"+p.Name, taskName+"-"+p.Name, p.Path, "main", "")
		if err != nil {
			for _, prior := range provisioned {
				_ = m.Reclaim(ctx, prior)
			}
			return nil, err
		}
		provisioned = append(provisioned, wt)
	}
	return provisioned, nil
}

// hasDiff reports whether the worktree has an uncommitted working-copy diff.
func hasDiff(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// Reclaim commits any pending changes on the task branch and then removes
// the working tree and deletes the local branch, unless it is the default
// branch (spec §4.2). A failed commit leaves the workspace intact and
// returns apperr.ReclaimBlocked.
func (m *Manager) Reclaim(ctx context.Context, wt *Worktree) error {
	repoLock := m.getRepoLock(wt.RootPath)
	repoLock.Lock()
	defer repoLock.Unlock()

	dirty, err := hasDiff(ctx, wt.Path)
	if err != nil {
		return apperr.ReclaimBlocked(wt.TaskID, err)
	}
	if dirty {
		if err := m.commitAll(ctx, wt); err != nil {
			return apperr.ReclaimBlocked(wt.TaskID, err)
		}
	}

	if !wt.Shared && wt.Branch != wt.BaseBranch {
		rmCmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", wt.Path)
		rmCmd.Dir = wt.RootPath
		if out, err := rmCmd.CombinedOutput(); err != nil {
			m.logger.Warn("git worktree remove failed, falling back to rm -rf",
				zap.String("output", string(out)), zap.Error(err))
			_ = os.RemoveAll(wt.Path)
			pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
			pruneCmd.Dir = wt.RootPath
			_ = pruneCmd.Run()
		}

		brCmd := exec.CommandContext(ctx, "git", "branch", "-D", wt.Branch)
		brCmd.Dir = wt.RootPath
		if out, err := brCmd.CombinedOutput(); err != nil {
			m.logger.Warn("failed to delete task branch",
				zap.String("branch", wt.Branch), zap.String("output", string(out)), zap.Error(err))
		}
	}

	now := time.Now().UTC()
	wt.Status = StatusReclaimed
	wt.ReclaimedAt = &now
	wt.UpdatedAt = now

	m.mu.Lock()
	delete(m.worktrees, wt.TaskID)
	delete(m.activeByKey, domain.WorkspaceKey{RootPath: wt.RootPath, Branch: wt.Branch})
	m.mu.Unlock()

	m.logger.Info("reclaimed worktree", zap.String("task_id", wt.TaskID), zap.String("path", wt.Path))
	return nil
}

func (m *Manager) commitAll(ctx context.Context, wt *Worktree) error {
	addCmd := exec.CommandContext(ctx, "git", "add", "-A")
	addCmd.Dir = wt.Path
	if out, err := addCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %s", string(out))
	}

	msg := fmt.Sprintf("auto-commit: reclaiming workspace for task %s", wt.TaskName)
	commitCmd := exec.CommandContext(ctx, "git", "commit", "-m", msg)
	commitCmd.Dir = wt.Path
	if out, err := commitCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %s", string(out))
	}
	return nil
}
