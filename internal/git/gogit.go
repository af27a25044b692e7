package git

import (
	"context"
	"fmt"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// GoGitClient implements Client on top of go-git, without a git binary
type GoGitClient struct {
	repo *gogit.Repository
}

// OpenGoGitClient opens the repository containing dir
func OpenGoGitClient(dir string) (*GoGitClient, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}
	return &GoGitClient{repo: repo}, nil
}

// Unshallow succeeds on complete repositories. go-git cannot deepen an
// existing shallow clone, so shallow ones report ErrShallowUnsupported.
func (c *GoGitClient) Unshallow(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	shallows, err := c.repo.Storer.Shallow()
	if err != nil {
		return fmt.Errorf("failed to read shallow commits: %w", err)
	}
	if len(shallows) > 0 {
		return fmt.Errorf("%w (%d shallow commits, use the shell driver)", ErrShallowUnsupported, len(shallows))
	}
	return nil
}

// Diff computes the name-status diff between the trees of the range,
// rendered in the same line format as git diff-tree.
func (c *GoGitClient) Diff(ctx context.Context, r Range) (string, error) {
	from, err := c.treeFor(r.From)
	if err != nil {
		return "", err
	}
	to, err := c.treeFor(r.To)
	if err != nil {
		return "", err
	}

	changes, err := object.DiffTreeWithOptions(ctx, from, to, nil)
	if err != nil {
		return "", fmt.Errorf("failed to diff %s: %w", r, err)
	}

	lines := make([]string, 0, len(changes))
	for _, change := range changes {
		line, err := nameStatus(change)
		if err != nil {
			return "", err
		}
		lines = append(lines, line)
	}

	// diff-tree lists entries in path order
	sort.Slice(lines, func(i, j int) bool {
		return pathOf(lines[i]) < pathOf(lines[j])
	})

	return strings.Join(lines, "\n"), nil
}

// Head returns the commit hash HEAD points to
func (c *GoGitClient) Head(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref, err := c.repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// treeFor resolves a revision to its tree; EmptyTree maps to an empty tree
func (c *GoGitClient) treeFor(rev string) (*object.Tree, error) {
	if rev == EmptyTree {
		return &object.Tree{}, nil
	}

	hash, err := c.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve revision %q: %w", rev, err)
	}

	commit, err := c.repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", hash, err)
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to get tree of %s: %w", hash, err)
	}
	return tree, nil
}

// nameStatus renders a change as "<kind>\t<path>"
func nameStatus(change *object.Change) (string, error) {
	action, err := change.Action()
	if err != nil {
		return "", fmt.Errorf("failed to classify change: %w", err)
	}

	switch action {
	case merkletrie.Insert:
		return "A\t" + change.To.Name, nil
	case merkletrie.Delete:
		return "D\t" + change.From.Name, nil
	case merkletrie.Modify:
		return "M\t" + change.To.Name, nil
	default:
		return "", fmt.Errorf("unsupported change action %v", action)
	}
}

func pathOf(line string) string {
	_, path, _ := strings.Cut(line, "\t")
	return path
}
