package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/apperr"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestProvisionCreatesIsolatedWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := initRepo(t)
	m := NewManager(DefaultConfig(), nil)

	wt, err := m.Provision(context.Background(), "t1", "my task", repo, "main", "")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if wt.Branch != "task/my-task" {
		t.Fatalf("branch = %q, want task/my-task", wt.Branch)
	}
	if _, err := os.Stat(wt.Path); err != nil {
		t.Fatalf("worktree path missing: %v", err)
	}
}

func TestProvisionRejectsBranchCollision(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := initRepo(t)
	m := NewManager(DefaultConfig(), nil)

	if _, err := m.Provision(context.Background(), "t1", "shared-name", repo, "main", ""); err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	_, err := m.Provision(context.Background(), "t2", "shared-name", repo, "main", "")
	if !apperr.Is(err, apperr.CodeBranchInUse) {
		t.Fatalf("expected kBranchInUse, got %v", err)
	}
}

func TestReclaimCommitsThenRemoves(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := initRepo(t)
	m := NewManager(DefaultConfig(), nil)

	wt, err := m.Provision(context.Background(), "t1", "my task", repo, "main", "")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt.Path, "new.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Reclaim(context.Background(), wt); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if _, err := os.Stat(wt.Path); !os.IsNotExist(err) {
		t.Fatalf("expected worktree path removed, got err=%v", err)
	}
	if _, ok := m.GetByTaskID("t1"); ok {
		t.Fatalf("expected worktree removed from manager")
	}
}

func TestMultiProvisionSkipsReadOnlyProjects(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := initRepo(t)
	m := NewManager(DefaultConfig(), nil)

	projects := []domain.ProjectAttachment{
		{Name: "svc", Path: repo, Access: domain.AccessWrite},
		{Name: "lib", Path: repo, Access: domain.AccessRead},
	}
	wts, err := m.MultiProvision(context.Background(), "t1", "multi", projects)
	if err != nil {
		t.Fatalf("MultiProvision: %v", err)
	}
	if len(wts) != 1 {
		t.Fatalf("expected 1 provisioned worktree (write-only), got %d", len(wts))
	}
}
