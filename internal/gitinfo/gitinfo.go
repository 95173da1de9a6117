// Package gitinfo reads git status for session working directories and
// manages worktrees for isolated runs.
package gitinfo

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pontis-dev/pontis/internal/bridge"
)

// Refresher shells out to git. It implements the bridge's git-info
// collaborator; all operations are best-effort.
type Refresher struct{}

// New returns a Refresher.
func New() *Refresher { return &Refresher{} }

// Refresh reads branch, dirty file count and ahead/behind for dir. A dir that
// is not a git repository is an error; callers keep their prior values.
func (r *Refresher) Refresh(dir string) (bridge.GitInfo, error) {
	var info bridge.GitInfo

	branch, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return info, err
	}
	info.Branch = branch

	status, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return info, err
	}
	if status != "" {
		info.DirtyFiles = len(strings.Split(status, "\n"))
	}

	// Ahead/behind needs an upstream; absence is not an error.
	counts, err := runGit(dir, "rev-list", "--left-right", "--count", "@{upstream}...HEAD")
	if err == nil {
		fields := strings.Fields(counts)
		if len(fields) == 2 {
			info.Behind, _ = strconv.Atoi(fields[0])
			info.Ahead, _ = strconv.Atoi(fields[1])
		}
	}
	return info, nil
}

// AddWorktree creates a worktree at path on a new branch created from the
// repository's current HEAD.
func AddWorktree(repoDir, path, branch string) error {
	if branch == "" {
		return fmt.Errorf("gitinfo: branch name is required")
	}
	if _, err := runGit(repoDir, "worktree", "add", "-b", branch, path); err != nil {
		return fmt.Errorf("gitinfo: add worktree %s: %w", path, err)
	}
	return nil
}

// RemoveWorktree removes the worktree at path, discarding local changes.
func RemoveWorktree(repoDir, path string) error {
	if _, err := runGit(repoDir, "worktree", "remove", "--force", path); err != nil {
		return fmt.Errorf("gitinfo: remove worktree %s: %w", path, err)
	}
	return nil
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
