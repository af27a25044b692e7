package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/dagsync/internal/config"
	"github.com/schaermu/dagsync/internal/git"
	"github.com/schaermu/dagsync/internal/storage"
)

const rule = "------------------------------------------------"

// Section headers, printed verbatim between rules
const (
	headerStart        = "---------- Starting cloud build script ---------"
	headerFullTree     = "------------ Getting full GIT tree -------------"
	headerMarker       = "-- Getting last synced commit SHA from bucket --"
	headerModified     = "------------ Getting modified files ------------"
	headerSyncing      = "---------------- Syncing files -----------------"
	headerHead         = "-------- Getting last synced commit SHA --------"
	headerUpdateMarker = "----- Updating last synced commit SHA file -----"
)

var errEmptyMarker = errors.New("sync marker is empty")

// Locker guards a sync pass against concurrent runs on the same marker
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Engine orchestrates the sync process
type Engine struct {
	cfg    *config.Config
	git    git.Client
	bucket storage.Bucket
	locker Locker
	out    io.Writer
	logger *slog.Logger
	dryRun bool
}

// NewEngine creates a new sync engine. Progress lines are printed to out,
// structured diagnostics go to logger.
func NewEngine(cfg *config.Config, gitClient git.Client, bucket storage.Bucket, out io.Writer, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		bucket: bucket,
		out:    out,
		logger: logger,
		dryRun: dryRun,
	}
}

// WithLocker makes Run hold l for the duration of the pass
func (e *Engine) WithLocker(l Locker) *Engine {
	e.locker = l
	return e
}

// Run executes the complete sync process. The marker is only rewritten after
// every in-scope change was applied; any failure leaves it untouched so the
// next run retries the same range.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	if e.locker != nil {
		if err := e.locker.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("failed to acquire run lock: %w", err)
		}
		defer func() {
			if rerr := e.locker.Release(context.WithoutCancel(ctx)); rerr != nil {
				e.logger.Warn("failed to release run lock", "error", rerr)
			}
		}()
	}

	e.section(headerStart)
	e.logger.Info("starting sync",
		"bucket", e.bucket.Name(),
		"prefix", e.cfg.ObjectPrefix(),
		"folders", e.cfg.Sync.Folders,
		"dry_run", e.dryRun)

	e.section(headerFullTree)
	if e.cfg.ShouldUnshallow() {
		if err := e.git.Unshallow(ctx); err != nil {
			return nil, fmt.Errorf("failed to fetch full history: %w", err)
		}
	} else {
		e.logger.Debug("unshallow disabled, using existing history")
	}

	e.section(headerMarker)
	summary := &Summary{Range: e.resolveRange(ctx), DryRun: e.dryRun}
	e.logger.Info("resolved commit range", "range", summary.Range.String())

	e.section(headerModified)
	out, err := e.git.Diff(ctx, summary.Range)
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff: %w", err)
	}
	changes, err := ParseDiff(out, e.cfg.Sync.Malformed, e.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to parse diff: %w", err)
	}
	if len(changes) == 0 {
		e.println("No modified files to be synced")
		e.println("Exiting...")
		return summary, nil
	}
	e.logger.Info("found modified files", "count", len(changes))

	e.section(headerSyncing)
	if err := e.apply(ctx, changes, summary); err != nil {
		return nil, err
	}

	if e.dryRun {
		e.logger.Info("dry-run complete, no changes applied")
		return summary, nil
	}

	e.section(headerHead)
	commit, err := e.git.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	e.section(headerUpdateMarker)
	if err := e.updateMarker(ctx, commit); err != nil {
		return nil, err
	}
	summary.Commit = commit

	e.logger.Info("sync completed successfully",
		"commit", commit,
		"uploaded", len(summary.Uploaded),
		"deleted", len(summary.Deleted),
		"skipped", len(summary.Skipped))
	return summary, nil
}

// resolveRange reads the marker and returns the range to diff. Any failure
// to read a usable marker falls back to diffing HEAD against the empty tree.
func (e *Engine) resolveRange(ctx context.Context) git.Range {
	data, err := e.bucket.ReadObject(ctx, e.cfg.Sync.MarkerObject)
	if err == nil {
		if commit := strings.TrimSpace(string(data)); commit != "" {
			return git.Since(commit)
		}
		err = errEmptyMarker
	}

	e.println("Unable to find last synced commit SHA file")
	e.logger.Warn("failed to read sync marker",
		"marker", e.cfg.Sync.MarkerObject,
		"error", err)
	e.println("Comparing with empty tree as fallback")
	return git.Initial()
}

// apply mirrors each in-scope change into the bucket in diff order and stops
// at the first failure
func (e *Engine) apply(ctx context.Context, changes []Change, summary *Summary) error {
	for _, change := range changes {
		if !change.InScope(e.cfg.Sync.Folders) {
			e.printf("Skipping.... [ %s ]\n", change)
			summary.Skipped = append(summary.Skipped, change.Path)
			continue
		}

		key := change.RemoteKey(e.cfg.ObjectPrefix())

		if change.IsDelete() {
			e.printf("Deleting.... [ %s ]\n", change)
			if e.dryRun {
				e.logger.Info("[dry-run] would delete", "key", key)
			} else if err := e.bucket.DeleteObject(ctx, key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", change, err)
			}
			summary.Deleted = append(summary.Deleted, key)
			continue
		}

		e.printf("Uploading... [ %s ]\n", change)
		local := filepath.Join(e.cfg.Sync.RepoDir, filepath.FromSlash(change.Path))
		if e.dryRun {
			e.logger.Info("[dry-run] would upload", "key", key, "source", local)
		} else if err := e.bucket.UploadFile(ctx, key, local); err != nil {
			return fmt.Errorf("failed to upload %s: %w", change, err)
		}
		summary.Uploaded = append(summary.Uploaded, key)
		if info, err := os.Stat(local); err == nil {
			summary.UploadedBytes += uint64(info.Size())
		}
	}
	return nil
}

// updateMarker overwrites the marker object with commit
func (e *Engine) updateMarker(ctx context.Context, commit string) error {
	if err := e.bucket.WriteObject(ctx, e.cfg.Sync.MarkerObject, []byte(commit)); err != nil {
		return fmt.Errorf("failed to update sync marker: %w", err)
	}
	e.logger.Info("updated sync marker", "marker", e.cfg.Sync.MarkerObject, "commit", commit)
	return nil
}

func (e *Engine) section(header string) {
	e.println("")
	e.println(rule)
	e.println(header)
	e.println(rule)
}

func (e *Engine) println(line string) {
	_, _ = fmt.Fprintln(e.out, line)
}

func (e *Engine) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(e.out, format, args...)
}
