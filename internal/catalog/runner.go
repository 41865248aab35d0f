package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"

	"github.com/heimdex/heimdex-trim/internal/export"
	"github.com/heimdex/heimdex-trim/internal/metrics"
	"github.com/heimdex/heimdex-trim/internal/mux"
	"github.com/heimdex/heimdex-trim/internal/trim"
)

// Runner records export notifications in the catalog and writes completed
// outputs to the export directory.
type Runner struct {
	repo      Repository
	exportDir string
	logger    *slog.Logger
	running   atomic.Bool
	archived  atomic.Int64
}

func NewRunner(repo Repository, exportDir string, logger *slog.Logger) *Runner {
	return &Runner{repo: repo, exportDir: exportDir, logger: logger}
}

// Start consumes notifications until ctx is done or the channel closes.
func (r *Runner) Start(ctx context.Context, notifications <-chan trim.Notification) {
	if r.running.Swap(true) {
		return
	}
	defer r.running.Store(false)

	r.logger.Info("export archiver started", "dir", r.exportDir)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("export archiver stopping")
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if err := r.Handle(ctx, n); err != nil {
				r.logger.Error("failed to record export", "session_id", n.SessionID, "kind", n.Kind, "error", err)
			}
		}
	}
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// Archived returns how many outputs have been written to disk.
func (r *Runner) Archived() int64 {
	return r.archived.Load()
}

// Handle applies a single notification to the catalog.
func (r *Runner) Handle(ctx context.Context, n trim.Notification) error {
	switch n.Kind {
	case trim.KindProgress:
		return r.repo.UpdateExportProgress(ctx, n.SessionID, n.Position)
	case trim.KindCompleted:
		return r.complete(ctx, n)
	case trim.KindFailed:
		e := r.record(n, ExportStatusFailed)
		e.Reason = n.Reason
		if n.Err != nil {
			e.Error = truncateStr(n.Err.Error(), 512)
		}
		return r.repo.UpsertExport(ctx, e)
	case trim.KindCancelled:
		return r.repo.UpsertExport(ctx, r.record(n, ExportStatusCancelled))
	default:
		r.logger.Warn("unknown notification kind", "kind", n.Kind)
		return nil
	}
}

func (r *Runner) complete(ctx context.Context, n trim.Notification) error {
	e := r.record(n, ExportStatusCompleted)
	if n.Output == nil {
		e.Status = ExportStatusFailed
		e.Reason = ReasonArchiveFailed
		e.Error = "completed without output"
		return r.repo.UpsertExport(ctx, e)
	}

	e.Container = n.Output.Container
	e.Frames = n.Output.VideoFrames
	e.Bytes = int64(len(n.Output.Data))
	e.Position = n.Range.End

	path, err := r.archive(n.Filename, n.Output)
	if err != nil {
		metrics.IncArchiveFailure()
		r.logger.Error("failed to archive export", "session_id", n.SessionID, "error", err)
		e.Status = ExportStatusFailed
		e.Reason = ReasonArchiveFailed
		e.Error = truncateStr(err.Error(), 512)
		return r.repo.UpsertExport(ctx, e)
	}

	e.Filename = filepath.Base(path)
	e.OutputPath = path
	r.archived.Add(1)
	r.logger.Info("export archived", "session_id", n.SessionID, "path", path, "bytes", e.Bytes)
	return r.repo.UpsertExport(ctx, e)
}

// archive writes out atomically under the export directory. An existing file
// with the same name is never replaced.
func (r *Runner) archive(filename string, out *mux.Output) (string, error) {
	if err := os.MkdirAll(r.exportDir, 0755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	if err := export.ValidateExportDir(r.exportDir); err != nil {
		return "", err
	}

	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", errors.New("empty filename")
	}
	path, err := uniquePath(filepath.Join(r.exportDir, name))
	if err != nil {
		return "", err
	}

	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0644))
	if err != nil {
		return "", fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			r.logger.Warn("failed to clean up pending export", "path", path, "error", err)
		}
	}()

	if _, err := pendingFile.Write(out.Data); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("commit export: %w", err)
	}
	return path, nil
}

func (r *Runner) record(n trim.Notification, status string) *Export {
	at := n.Time
	if at.IsZero() {
		at = time.Now()
	}
	container := n.Container
	if container == "" {
		container = mux.ContainerMP4
	}
	return &Export{
		ID:        n.SessionID,
		Start:     n.Range.Start,
		End:       n.Range.End,
		Status:    status,
		Container: container,
		Position:  n.Position,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func uniquePath(path string) (string, error) {
	ext := filepath.Ext(path)
	base := path[:len(path)-len(ext)]
	candidate := path
	for i := 1; i < 1000; i++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
	return "", fmt.Errorf("no free name for %s", filepath.Base(path))
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[len(s)-maxLen:]
}
