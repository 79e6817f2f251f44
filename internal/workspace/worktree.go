// Package workspace gives threads isolated working directories backed by
// git worktrees, so parallel threads on one repository never collide.
// Worktrees live under <root>/<projectID>/<branch>.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrCreationFailed wraps every reason a worktree could not be made:
// branch collisions, a source that is not a repository, filesystem errors.
var ErrCreationFailed = errors.New("workspace creation failed")

type Manager struct {
	root string
	log  *zap.Logger
}

func NewManager(root string, log *zap.Logger) *Manager {
	return &Manager{root: root, log: log}
}

// Create adds a git worktree for the branch under the manager's root and
// returns its path and the branch name actually used. The caller must not
// create any thread record when this fails.
func (m *Manager) Create(projectID, repoPath, branch string) (string, string, error) {
	if branch == "" {
		return "", "", fmt.Errorf("%w: empty branch name", ErrCreationFailed)
	}
	path := filepath.Join(m.root, projectID, sanitizeBranch(branch))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	// git worktree add <path> -b <branch>; when the branch already
	// exists, retry attaching to it without -b.
	stderr, err := runGit(repoPath, "worktree", "add", path, "-b", branch)
	if err != nil {
		if strings.Contains(stderr, "already exists") {
			if stderr2, err2 := runGit(repoPath, "worktree", "add", path, branch); err2 != nil {
				return "", "", fmt.Errorf("%w: %s", ErrCreationFailed, firstLine(stderr2))
			}
		} else {
			return "", "", fmt.Errorf("%w: %s", ErrCreationFailed, firstLine(stderr))
		}
	}

	m.log.Info("worktree created",
		zap.String("project_id", projectID),
		zap.String("branch", branch),
		zap.String("path", path))
	return path, branch, nil
}

// Remove detaches and deletes a worktree. Fire and forget: failures are
// surfaced as warnings only and never block deleting the owning thread.
func (m *Manager) Remove(path string) {
	if path == "" || !strings.HasPrefix(filepath.Clean(path), filepath.Clean(m.root)) {
		m.log.Warn("refusing to remove path outside worktree root", zap.String("path", path))
		return
	}

	if stderr, err := runGit(path, "worktree", "remove", "--force", path); err != nil {
		m.log.Warn("git worktree remove failed",
			zap.String("path", path),
			zap.String("stderr", firstLine(stderr)))
	}
	if err := os.RemoveAll(path); err != nil {
		m.log.Warn("worktree directory cleanup failed", zap.String("path", path), zap.Error(err))
	}
}

// IsRepository reports whether the directory is inside a git repository.
func IsRepository(dir string) bool {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--is-inside-work-tree")
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// sanitizeBranch makes a branch name usable as a path segment.
func sanitizeBranch(branch string) string {
	s := strings.ReplaceAll(branch, "/", "-")
	return strings.ReplaceAll(s, " ", "-")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "unknown git error"
	}
	return s
}
