package catalog

import (
	"context"
	"database/sql"
	"time"
)

type Repository interface {
	CreateSource(ctx context.Context, source *Source) error
	GetSource(ctx context.Context, id string) (*Source, error)
	GetSourceByPath(ctx context.Context, path string) (*Source, error)
	ListSources(ctx context.Context) ([]*Source, error)
	DeleteSource(ctx context.Context, id string) error
	UpdateSourcePresent(ctx context.Context, id string, present bool) error

	// UpsertExport inserts e or, when a row with the same ID exists,
	// updates it. A terminal row is never moved back to running.
	UpsertExport(ctx context.Context, e *Export) error
	GetExport(ctx context.Context, id string) (*Export, error)
	ListExports(ctx context.Context, limit int) ([]*Export, error)
	UpdateExportProgress(ctx context.Context, id string, position float64) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sourceColumns = `id, path, display_name, duration_s, width, height, video_codec, audio_codec, size, fingerprint, present, created_at`

func (r *SQLiteRepository) CreateSource(ctx context.Context, s *Source) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sources (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Path, s.DisplayName, s.Duration, s.Width, s.Height,
		nullString(s.VideoCodec), nullString(s.AudioCodec), s.Size, nullString(s.Fingerprint),
		boolToInt(s.Present), formatTime(s.CreatedAt))
	return err
}

func (r *SQLiteRepository) GetSource(ctx context.Context, id string) (*Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	return nilIfNoRows(scanSource(row))
}

func (r *SQLiteRepository) GetSourceByPath(ctx context.Context, path string) (*Source, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE path = ?`, path)
	return nilIfNoRows(scanSource(row))
}

func (r *SQLiteRepository) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (r *SQLiteRepository) DeleteSource(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", id)
	return err
}

func (r *SQLiteRepository) UpdateSourcePresent(ctx context.Context, id string, present bool) error {
	_, err := r.db.ExecContext(ctx, "UPDATE sources SET present = ? WHERE id = ?", boolToInt(present), id)
	return err
}

const exportColumns = `id, source_id, start_s, end_s, status, container, position_s, filename, output_path, bytes, frames, reason, error, created_at, updated_at`

func (r *SQLiteRepository) UpsertExport(ctx context.Context, e *Export) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exports (`+exportColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = COALESCE(excluded.source_id, exports.source_id),
			status = CASE
				WHEN exports.status != 'running' AND excluded.status = 'running' THEN exports.status
				ELSE excluded.status
			END,
			position_s = MAX(exports.position_s, excluded.position_s),
			filename = COALESCE(excluded.filename, exports.filename),
			output_path = COALESCE(excluded.output_path, exports.output_path),
			bytes = MAX(exports.bytes, excluded.bytes),
			frames = MAX(exports.frames, excluded.frames),
			reason = COALESCE(excluded.reason, exports.reason),
			error = COALESCE(excluded.error, exports.error),
			updated_at = excluded.updated_at
	`, e.ID, nullString(e.SourceID), e.Start, e.End, e.Status, e.Container, e.Position,
		nullString(e.Filename), nullString(e.OutputPath), e.Bytes, e.Frames,
		nullString(e.Reason), nullString(e.Error), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return err
}

func (r *SQLiteRepository) GetExport(ctx context.Context, id string) (*Export, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM exports WHERE id = ?`, id)
	return nilIfNoRows(scanExport(row))
}

func (r *SQLiteRepository) ListExports(ctx context.Context, limit int) ([]*Export, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+exportColumns+` FROM exports ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exports []*Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

func (r *SQLiteRepository) UpdateExportProgress(ctx context.Context, id string, position float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET position_s = ?, updated_at = ? WHERE id = ? AND status = 'running'
	`, position, formatTime(time.Now()), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (*Source, error) {
	var s Source
	var present int
	var createdAt string
	var videoCodec, audioCodec, fingerprint sql.NullString

	err := row.Scan(&s.ID, &s.Path, &s.DisplayName, &s.Duration, &s.Width, &s.Height,
		&videoCodec, &audioCodec, &s.Size, &fingerprint, &present, &createdAt)
	if err != nil {
		return nil, err
	}

	s.Present = present == 1
	s.VideoCodec = videoCodec.String
	s.AudioCodec = audioCodec.String
	s.Fingerprint = fingerprint.String
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &s, nil
}

func scanExport(row scanner) (*Export, error) {
	var e Export
	var sourceID, filename, outputPath, reason, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&e.ID, &sourceID, &e.Start, &e.End, &e.Status, &e.Container, &e.Position,
		&filename, &outputPath, &e.Bytes, &e.Frames, &reason, &errMsg, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.SourceID = sourceID.String
	e.Filename = filename.String
	e.OutputPath = outputPath.String
	e.Reason = reason.String
	e.Error = errMsg.String
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &e, nil
}

func nilIfNoRows[T any](v *T, err error) (*T, error) {
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
