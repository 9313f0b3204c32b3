package version

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// VCS is the version-control surface the resolver needs.
type VCS interface {
	ListTags(ctx context.Context) ([]string, error)
	// CurrentRef returns the checked-out branch name, or the commit hash when
	// HEAD is detached.
	CurrentRef(ctx context.Context) (string, error)
	Checkout(ctx context.Context, ref string) error
}

// GitCLI implements VCS by running the git binary in a working tree.
type GitCLI struct {
	dir     string
	binPath string
}

// NewGitCLI creates a GitCLI for the working tree at dir. If binPath is
// empty, "git" is used.
func NewGitCLI(dir, binPath string) *GitCLI {
	if binPath == "" {
		binPath = "git"
	}
	return &GitCLI{dir: dir, binPath: binPath}
}

func (g *GitCLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.binPath, args...)
	cmd.Dir = g.dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", eris.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// ListTags implements VCS.
func (g *GitCLI) ListTags(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "tag", "--list")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CurrentRef implements VCS.
func (g *GitCLI) CurrentRef(ctx context.Context) (string, error) {
	if branch, err := g.run(ctx, "symbolic-ref", "--quiet", "--short", "HEAD"); err == nil && branch != "" {
		return branch, nil
	}
	return g.run(ctx, "rev-parse", "HEAD")
}

// Checkout implements VCS.
func (g *GitCLI) Checkout(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "checkout", "--quiet", ref)
	return err
}
