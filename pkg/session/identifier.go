package session

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalID derives the session id used for log files before the server
// assigns one: repo name plus branch inside a git checkout, directory name
// plus a path hash otherwise.
func LocalID(cwd string) string {
	if root, branch, ok := gitInfo(cwd); ok {
		if branch == "" {
			branch = "detached"
		}
		return filepath.Base(root) + "-" + branch
	}
	return fmt.Sprintf("%s-%s", filepath.Base(cwd), shortHash(cwd))
}

// DefaultLocalID is LocalID for the current working directory.
func DefaultLocalID() string {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Sprintf("session-%s", shortHash(fmt.Sprintf("%d", os.Getpid())))
	}
	return LocalID(cwd)
}

func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:4])
}

// gitRunner is the seam tests use to avoid shelling out.
type gitRunner func(ctx context.Context, dir string, args ...string) ([]byte, error)

func execGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Output()
}

var (
	runGit   gitRunner = execGit
	gitCache sync.Map // cwd -> [root, branch], "" root means not a repo
)

const gitTimeout = 3 * time.Second

func gitInfo(cwd string) (root, branch string, ok bool) {
	if cwd == "" {
		return "", "", false
	}
	if cached, found := gitCache.Load(cwd); found {
		pair := cached.([2]string)
		return pair[0], pair[1], pair[0] != ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	out, err := runGit(ctx, cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		gitCache.Store(cwd, [2]string{})
		return "", "", false
	}
	root = strings.TrimSpace(string(out))
	if root == "" {
		gitCache.Store(cwd, [2]string{})
		return "", "", false
	}

	if out, err := runGit(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		branch = strings.TrimSpace(string(out))
		if branch == "HEAD" {
			branch = ""
		}
	}

	gitCache.Store(cwd, [2]string{root, branch})
	return root, branch, true
}
