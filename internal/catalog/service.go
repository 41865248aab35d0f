package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/heimdex/heimdex-trim/internal/media"
	"github.com/heimdex/heimdex-trim/internal/trim"
)

const fingerprintSize = 64 * 1024

var (
	ErrNotVideo       = errors.New("not a supported video file")
	ErrSourceNotFound = errors.New("source not found")
	// ErrSourceChanged reports that a registered file no longer matches the
	// fingerprint taken when it was added.
	ErrSourceChanged = errors.New("source file changed on disk")
)

type CatalogService interface {
	AddSource(ctx context.Context, path, displayName string) (*Source, error)
	RemoveSource(ctx context.Context, id string) error
	GetSources(ctx context.Context) ([]*Source, error)
	GetSource(ctx context.Context, id string) (*Source, error)
	VerifySource(ctx context.Context, id string) (*Source, error)
	RecordExportStarted(ctx context.Context, sessionID, sourceID string, r trim.TimeRange, container string) error
	GetExports(ctx context.Context, limit int) ([]*Export, error)
	GetExport(ctx context.Context, id string) (*Export, error)
}

type Service struct {
	repo   Repository
	prober media.Prober
	logger *slog.Logger
}

func NewService(repo Repository, prober media.Prober, logger *slog.Logger) *Service {
	return &Service{repo: repo, prober: prober, logger: logger}
}

// AddSource probes the file at path and registers it. Adding a path that is
// already registered refreshes and returns the existing record.
func (s *Service) AddSource(ctx context.Context, path, displayName string) (*Source, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotVideo, filepath.Base(absPath))
	}
	if !IsVideoFile(absPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotVideo, filepath.Base(absPath))
	}

	existing, err := s.repo.GetSourceByPath(ctx, absPath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.Present {
			if err := s.repo.UpdateSourcePresent(ctx, existing.ID, true); err != nil {
				return nil, err
			}
			existing.Present = true
		}
		return existing, nil
	}

	probe, err := s.prober.Probe(ctx, absPath)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", filepath.Base(absPath), err)
	}
	if !probe.HasVideo() {
		return nil, fmt.Errorf("%s: %w", filepath.Base(absPath), media.ErrNoVideo)
	}

	fingerprint, err := computeFingerprint(absPath)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	if displayName == "" {
		displayName = filepath.Base(absPath)
	}

	source := &Source{
		ID:          NewID(),
		Path:        absPath,
		DisplayName: displayName,
		Duration:    probe.Duration,
		Width:       probe.Width,
		Height:      probe.Height,
		VideoCodec:  probe.Codec,
		AudioCodec:  probe.AudioCodec,
		Size:        info.Size(),
		Fingerprint: fingerprint,
		Present:     true,
		CreatedAt:   time.Now(),
	}

	if err := s.repo.CreateSource(ctx, source); err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Info("source added",
			"source_id", source.ID,
			"path", absPath,
			"duration", source.Duration,
			"width", source.Width,
			"height", source.Height,
			"audio", source.HasAudio(),
		)
	}
	return source, nil
}

func (s *Service) RemoveSource(ctx context.Context, id string) error {
	return s.repo.DeleteSource(ctx, id)
}

func (s *Service) GetSources(ctx context.Context) ([]*Source, error) {
	return s.repo.ListSources(ctx)
}

func (s *Service) GetSource(ctx context.Context, id string) (*Source, error) {
	return s.repo.GetSource(ctx, id)
}

// VerifySource checks that a registered file is still present and unchanged.
// A missing file is recorded as not present.
func (s *Service) VerifySource(ctx context.Context, id string) (*Source, error) {
	source, err := s.repo.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, ErrSourceNotFound
	}

	info, err := os.Stat(source.Path)
	if err != nil {
		if source.Present {
			if uerr := s.repo.UpdateSourcePresent(ctx, id, false); uerr != nil && s.logger != nil {
				s.logger.Warn("failed to mark source missing", "source_id", id, "error", uerr)
			}
			source.Present = false
		}
		return source, fmt.Errorf("%w: %v", ErrSourceChanged, err)
	}

	if info.Size() != source.Size {
		return source, fmt.Errorf("%w: size %d, was %d", ErrSourceChanged, info.Size(), source.Size)
	}
	fingerprint, err := computeFingerprint(source.Path)
	if err != nil {
		return source, fmt.Errorf("fingerprint: %w", err)
	}
	if fingerprint != source.Fingerprint {
		return source, fmt.Errorf("%w: content differs", ErrSourceChanged)
	}
	return source, nil
}

// RecordExportStarted writes the history row for a session that just began.
func (s *Service) RecordExportStarted(ctx context.Context, sessionID, sourceID string, r trim.TimeRange, container string) error {
	now := time.Now()
	return s.repo.UpsertExport(ctx, &Export{
		ID:        sessionID,
		SourceID:  sourceID,
		Start:     r.Start,
		End:       r.End,
		Status:    ExportStatusRunning,
		Container: container,
		Position:  r.Start,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) GetExports(ctx context.Context, limit int) ([]*Export, error) {
	return s.repo.ListExports(ctx, limit)
}

func (s *Service) GetExport(ctx context.Context, id string) (*Export, error) {
	return s.repo.GetExport(ctx, id)
}

func computeFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	lr := io.LimitReader(f, fingerprintSize)
	if _, err := io.Copy(h, lr); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
