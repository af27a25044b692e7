package sync

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/schaermu/dagsync/internal/config"
)

// ErrMalformedLine is wrapped by ParseError for diff lines that are not <kind>\t<path>
var ErrMalformedLine = errors.New("malformed diff line")

// Matches: M\tdags/folder/file.py
var changeLinePattern = regexp.MustCompile(`^(\w)\t(.*)$`)

// Change is one line of git diff-tree --name-status output
type Change struct {
	Kind string // lower-cased status letter (a, m, d, t, ...)
	Path string // repository-relative path
}

// TopFolder returns the first path segment, or "" for files at the repository root
func (c Change) TopFolder() string {
	folder, _, found := strings.Cut(c.Path, "/")
	if !found {
		return ""
	}
	return folder
}

// IsDelete reports whether the change removed the file
func (c Change) IsDelete() bool {
	return c.Kind == "d"
}

// InScope reports whether the change lives under one of folders.
// Root-level files are never in scope.
func (c Change) InScope(folders []string) bool {
	top := c.TopFolder()
	return top != "" && lo.Contains(folders, top)
}

// RemoteKey returns the bucket key for the change. The prefix is prepended
// verbatim, so it must carry its own trailing separator.
func (c Change) RemoteKey(prefix string) string {
	return prefix + c.Path
}

func (c Change) String() string {
	return c.Path
}

// ParseError reports a diff line that could not be parsed
type ParseError struct {
	Line int
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, ErrMalformedLine, e.Text)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformedLine
}

// ParseDiff turns raw diff-tree output into change records, preserving order.
// Blank lines are ignored; malformed lines either abort parsing or are
// logged and dropped depending on policy.
func ParseDiff(out string, policy config.MalformedPolicy, logger *slog.Logger) ([]Change, error) {
	var changes []Change

	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		m := changeLinePattern.FindStringSubmatch(line)
		if m == nil {
			if policy == config.MalformedSkip {
				logger.Warn("skipping malformed diff line", "line", lineNo, "text", line)
				continue
			}
			return nil, &ParseError{Line: lineNo, Text: line}
		}

		changes = append(changes, Change{
			Kind: strings.ToLower(m[1]),
			Path: m[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read diff output: %w", err)
	}

	return changes, nil
}
