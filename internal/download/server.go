// Package download serves finished exports over HTTP with byte-range
// support.
package download

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".edl":  "text/plain; charset=utf-8",
}

// ContentType picks the media type for filename by extension.
func ContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// ServeFile streams the file at path as an attachment named filename. A
// missing file is answered with 404 and a nil error.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, path, filename string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if filename == "" {
		filename = filepath.Base(path)
	}
	return s.ServeContent(w, r, filename, file, stat.Size())
}

// ServeContent writes size bytes of content, honouring a single Range.
func (s *Server) ServeContent(w http.ResponseWriter, r *http.Request, filename string, content io.ReadSeeker, size int64) error {
	contentType := ContentType(filename)

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))

	parsed, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		parsed = nil
	case err != nil:
		return err
	}

	if parsed == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		if _, err := io.Copy(w, content); err != nil {
			s.logger.Debug("download interrupted", "filename", filename, "error", err)
		}
		return nil
	}

	if _, err := content.Seek(parsed.Start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}

	h.Set("Content-Length", strconv.FormatInt(parsed.ContentLength(), 10))
	h.Set("Content-Range", parsed.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.CopyN(w, content, parsed.ContentLength()); err != nil {
		s.logger.Debug("download interrupted", "filename", filename, "error", err)
	}
	return nil
}
