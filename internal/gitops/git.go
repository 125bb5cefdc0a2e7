// Package gitops synchronizes the local checkout with its upstream branch.
// The sync is all-or-nothing: either the working tree ends at the verified
// remote revision, or it stays exactly where it was.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// RepositoryClient is the narrow interface over the version-control tool.
// One upstream branch, one remote; nothing more.
type RepositoryClient interface {
	Fetch(ctx context.Context) error
	LocalRevision(ctx context.Context) (string, error)
	RemoteRevision(ctx context.Context) (string, error)
	Merge(ctx context.Context) error
	HardReset(ctx context.Context, revision string) error
	Fsck(ctx context.Context) error
	FileAtRevision(ctx context.Context, revision, path string) (string, error)
}

// GitClient shells out to the git CLI against a fixed checkout and branch.
type GitClient struct {
	RepoDir string
	Branch  string
}

// NewGitClient creates a client for the checkout at repoDir tracking branch.
func NewGitClient(repoDir, branch string) *GitClient {
	return &GitClient{RepoDir: repoDir, Branch: branch}
}

func (g *GitClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.RepoDir}, args...)...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err,
			strings.TrimSpace(errb.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// Fetch updates remote tracking refs.
func (g *GitClient) Fetch(ctx context.Context) error {
	_, err := g.run(ctx, "fetch", "--quiet", "origin", g.Branch)
	return err
}

// LocalRevision returns the HEAD commit id.
func (g *GitClient) LocalRevision(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

// RemoteRevision returns the fetched tip of the upstream branch.
func (g *GitClient) RemoteRevision(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "origin/"+g.Branch)
}

// Merge fast-forwards onto the upstream branch.
func (g *GitClient) Merge(ctx context.Context) error {
	_, err := g.run(ctx, "merge", "--ff-only", "origin/"+g.Branch)
	return err
}

// HardReset forces the working tree to revision.
func (g *GitClient) HardReset(ctx context.Context, revision string) error {
	_, err := g.run(ctx, "reset", "--hard", revision)
	return err
}

// Fsck verifies the object store is internally consistent.
func (g *GitClient) Fsck(ctx context.Context) error {
	_, err := g.run(ctx, "fsck", "--no-progress")
	return err
}

// FileAtRevision returns the content of path at revision. A file absent at
// that revision yields empty content, not an error, so manifest diffs work
// across commits that add or remove the file.
func (g *GitClient) FileAtRevision(ctx context.Context, revision, path string) (string, error) {
	out, err := g.run(ctx, "show", revision+":"+path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") ||
			strings.Contains(err.Error(), "exists on disk, but not in") {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// ShortRevision abbreviates a commit id for logs and alert text.
func ShortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}
