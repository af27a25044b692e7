package sync

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/dagsync/internal/git"
)

// Summary records what a sync pass did
type Summary struct {
	Range         git.Range
	Uploaded      []string // bucket keys written
	Deleted       []string // bucket keys removed
	Skipped       []string // repository paths outside the folder allow-list
	UploadedBytes uint64
	Commit        string // new marker value, empty when the marker was not written
	DryRun        bool
}

// Changed reports whether the pass touched (or, in a dry run, would touch) the bucket
func (s *Summary) Changed() bool {
	return len(s.Uploaded) > 0 || len(s.Deleted) > 0
}

// Format writes the summary as a human-readable report block
func (s *Summary) Format(w io.Writer) error {
	var b strings.Builder

	title := "Sync summary"
	if s.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintf(&b, "%s\n", title)
	fmt.Fprintf(&b, "  range:    %s\n", s.Range)
	fmt.Fprintf(&b, "  uploaded: %d (%s)\n", len(s.Uploaded), humanize.Bytes(s.UploadedBytes))
	fmt.Fprintf(&b, "  deleted:  %d\n", len(s.Deleted))
	fmt.Fprintf(&b, "  skipped:  %d\n", len(s.Skipped))

	commit := s.Commit
	if commit == "" {
		commit = "(unchanged)"
	}
	fmt.Fprintf(&b, "  marker:   %s\n", commit)

	_, err := io.WriteString(w, b.String())
	return err
}
