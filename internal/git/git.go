package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/samber/lo"
)

// EmptyTree is the well-known id of git's empty tree object. Diffing against
// it shows every file at the target revision as added.
const EmptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// ErrShallowUnsupported is returned when a driver cannot deepen a shallow clone
var ErrShallowUnsupported = errors.New("shallow repository cannot be unshallowed by this driver")

// Client provides the git operations needed to compute a sync pass
type Client interface {
	// Unshallow makes sure the working tree has its complete history.
	// It is a no-op on complete repositories.
	Unshallow(ctx context.Context) error
	// Diff returns the raw name-status diff for the given range,
	// one "<kind>\t<path>" line per changed file.
	Diff(ctx context.Context, r Range) (string, error)
	// Head resolves the current HEAD commit identifier
	Head(ctx context.Context) (string, error)
}

// Range is the pair of revisions a diff is computed between
type Range struct {
	From string
	To   string
}

// Since returns the range from a previously synced commit to HEAD
func Since(commit string) Range {
	return Range{From: commit, To: "HEAD"}
}

// Initial returns the range showing HEAD as if it were the first commit
func Initial() Range {
	return Range{From: EmptyTree, To: "HEAD"}
}

// IsInitial reports whether the range starts at the empty tree
func (r Range) IsInitial() bool {
	return r.From == EmptyTree
}

// Args renders the diff-tree arguments for the range
func (r Range) Args() []string {
	return []string{"--no-commit-id", "--name-status", "-r", r.From, r.To}
}

func (r Range) String() string {
	if r.IsInitial() {
		return "(empty tree).." + r.To
	}
	return r.From + ".." + r.To
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	dir string
}

// NewShellClient creates a new git client operating on the working tree at dir
func NewShellClient(dir string) *ShellClient {
	return &ShellClient{dir: dir}
}

// Unshallow fetches the full history when the clone is shallow
func (c *ShellClient) Unshallow(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "rev-parse", "--is-shallow-repository")
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("git rev-parse --is-shallow-repository failed: %w", err)
	}
	if strings.TrimSpace(string(output)) != "true" {
		return nil
	}

	cmd = exec.CommandContext(ctx, "git", "-C", c.dir, "fetch", "--unshallow")
	if err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git fetch --unshallow failed: %w", err)
	}
	return nil
}

// Diff runs git diff-tree in name-status form over the range. The output is
// read NUL-separated so paths come back verbatim, never C-quoted.
func (c *ShellClient) Diff(ctx context.Context, r Range) (string, error) {
	args := append([]string{"-C", c.dir, "diff-tree", "-z"}, r.Args()...)

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff-tree %s failed: %w: %s", r, err, strings.TrimSpace(stderr.String()))
	}

	return nameStatusLines(output)
}

// nameStatusLines turns "-z" name-status output ("<kind>\0<path>\0"...) into
// "<kind>\t<path>" lines
func nameStatusLines(output []byte) (string, error) {
	raw := strings.TrimSuffix(string(output), "\x00")
	if raw == "" {
		return "", nil
	}

	fields := strings.Split(raw, "\x00")
	if len(fields)%2 != 0 {
		return "", fmt.Errorf("unexpected diff-tree output: %d fields", len(fields))
	}

	lines := lo.Map(lo.Chunk(fields, 2), func(pair []string, _ int) string {
		return pair[0] + "\t" + pair[1]
	})
	return strings.Join(lines, "\n"), nil
}

// Head returns the commit hash HEAD points to
func (c *ShellClient) Head(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", c.dir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}

	return strings.TrimSpace(string(output)), nil
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, string(output))
	}
	return nil
}
