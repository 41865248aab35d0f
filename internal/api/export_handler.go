package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-trim/internal/export"
	"github.com/heimdex/heimdex-trim/internal/loop"
	"github.com/heimdex/heimdex-trim/internal/trim"
)

// writeTrimError maps export core errors onto HTTP responses.
func writeTrimError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trim.ErrInvalidRange):
		WriteError(w, http.StatusBadRequest, err.Error(), "INVALID_RANGE")
	case errors.Is(err, trim.ErrExportInProgress):
		WriteError(w, http.StatusConflict, err.Error(), "EXPORT_IN_PROGRESS")
	case errors.Is(err, trim.ErrNoSource):
		WriteError(w, http.StatusPreconditionFailed, err.Error(), "NO_SOURCE")
	case errors.Is(err, loop.ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		WriteError(w, http.StatusServiceUnavailable, "export core stopped", "UNAVAILABLE")
	default:
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

func beginExportHandler(cfg ServerConfig, loaded *loadedSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BeginExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Start == nil || req.End == nil {
			WriteError(w, http.StatusBadRequest, "start and end are required", "INVALID_RANGE")
			return
		}

		ctx := r.Context()
		id, err := cfg.Trim.BeginExport(ctx, *req.Start, *req.End)
		if err != nil {
			writeTrimError(w, err)
			return
		}

		resp := BeginExportResponse{SessionID: id, Start: *req.Start, End: *req.End}
		container := ""
		if _, session, err := cfg.Trim.Status(ctx); err == nil && session != nil && session.ID == id {
			resp.Start, resp.End = session.Range.Start, session.Range.End
			container = session.Container
		}

		if err := cfg.CatalogService.RecordExportStarted(ctx, id, loaded.id(),
			trim.TimeRange{Start: resp.Start, End: resp.End}, container); err != nil {
			cfg.Logger.Error("failed to record export", "session_id", id, "error", err)
		}

		WriteJSON(w, http.StatusAccepted, resp)
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Trim.CancelExport(r.Context()); err != nil {
			writeTrimError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func currentExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, session, err := cfg.Trim.Status(r.Context())
		if err != nil {
			writeTrimError(w, err)
			return
		}
		if session == nil {
			WriteError(w, http.StatusNotFound, "no export session", "NO_SESSION")
			return
		}
		WriteJSON(w, http.StatusOK, SessionToResponse(session))
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
				return
			}
			limit = min(n, 500)
		}

		exports, err := cfg.CatalogService.GetExports(r.Context(), limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list exports", "INTERNAL_ERROR")
			return
		}

		resp := ExportsResponse{Exports: make([]ExportResponse, len(exports))}
		for i, e := range exports {
			resp.Exports[i] = ExportToResponse(e)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		e, err := cfg.CatalogService.GetExport(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if e == nil {
			WriteError(w, http.StatusNotFound, "export not found", "NOT_FOUND")
			return
		}

		WriteJSON(w, http.StatusOK, ExportToResponse(e))
	}
}

func downloadHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		e, err := cfg.CatalogService.GetExport(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if e == nil {
			WriteError(w, http.StatusNotFound, "export not found", "NOT_FOUND")
			return
		}
		if !e.Terminal() {
			WriteError(w, http.StatusConflict, "export is still running", "EXPORT_NOT_READY")
			return
		}
		if !e.Downloadable() {
			WriteError(w, http.StatusNotFound, "export has no output", "NO_OUTPUT")
			return
		}

		if err := cfg.Downloads.ServeFile(w, r, e.OutputPath, e.Filename); err != nil {
			cfg.Logger.Error("download error", "error", err, "export_id", id)
		}
	}
}

func edlHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := chi.URLParam(r, "id")

		e, err := cfg.CatalogService.GetExport(ctx, id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if e == nil {
			WriteError(w, http.StatusNotFound, "export not found", "NOT_FOUND")
			return
		}
		if e.SourceID == "" {
			WriteError(w, http.StatusNotFound, "export source no longer registered", "SOURCE_NOT_FOUND")
			return
		}
		source, err := cfg.CatalogService.GetSource(ctx, e.SourceID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if source == nil {
			WriteError(w, http.StatusNotFound, "export source no longer registered", "SOURCE_NOT_FOUND")
			return
		}

		fps := cfg.FrameRate
		if fps <= 0 {
			fps = 30
		}
		edl := export.TrimEDL(source.Path, source.DisplayName, e.Start, e.End, fps)

		name := strings.TrimSuffix(e.Filename, filepath.Ext(e.Filename))
		if name == "" {
			name = "trim-" + e.ID[:min(8, len(e.ID))]
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.SanitizeName(name, 120)+".edl"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(edl))
	}
}

// eventsHandler streams notifications as server-sent events until the
// client goes away.
func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
			return
		}

		sub := cfg.Trim.Subscribe()
		defer sub.Close()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(cfg.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case n, ok := <-sub.C():
				if !ok {
					return
				}
				if err := writeEvent(w, n); err != nil {
					cfg.Logger.Debug("event stream closed", "error", err)
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, n trim.Notification) error {
	data, err := json.Marshal(NotificationToEvent(n))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data)
	return err
}
