package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-trim/internal/catalog"
	"github.com/heimdex/heimdex-trim/internal/media"
	"github.com/heimdex/heimdex-trim/internal/trim"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	loaded := &loadedSource{}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))

	if cfg.Metrics != nil {
		r.With(LoopbackGuard()).Handle("/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg, loaded))
		r.Get("/sources", listSourcesHandler(cfg, loaded))
		r.Post("/sources", addSourceHandler(cfg, loaded))
		r.Delete("/sources/{id}", deleteSourceHandler(cfg, loaded))

		r.Post("/exports", beginExportHandler(cfg, loaded))
		r.Get("/exports", listExportsHandler(cfg))
		r.Get("/exports/current", currentExportHandler(cfg))
		r.Delete("/exports/current", cancelExportHandler(cfg))
		r.Get("/exports/events", eventsHandler(cfg))
		r.Get("/exports/{id}", getExportHandler(cfg))
		r.Get("/exports/{id}/edl", edlHandler(cfg))

		r.Group(func(r chi.Router) {
			r.Use(LoopbackGuard())
			r.Get("/exports/{id}/download", downloadHandler(cfg))
			r.Head("/exports/{id}/download", downloadHandler(cfg))
		})
	})

	return r
}

// loadedSource remembers which catalog source is loaded into the export
// core so exports can be attributed to it.
type loadedSource struct {
	mu     sync.Mutex
	source *catalog.Source
	media  media.Source
}

func (l *loadedSource) get() (*catalog.Source, media.Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.source, l.media
}

func (l *loadedSource) id() string {
	s, _ := l.get()
	if s == nil {
		return ""
	}
	return s.ID
}

// swap stores the new source and returns the media source it replaced.
func (l *loadedSource) swap(s *catalog.Source, m media.Source) media.Source {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.media
	l.source, l.media = s, m
	return prev
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  cfg.Version,
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig, loaded *loadedSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		state, session, err := cfg.Trim.Status(ctx)
		if err != nil {
			WriteError(w, http.StatusServiceUnavailable, "export core unavailable", "UNAVAILABLE")
			return
		}

		resp := StatusResponse{State: string(state)}
		if session != nil {
			s := SessionToResponse(session)
			resp.Session = &s
			if session.State == trim.StateFailed {
				resp.LastError = session.Reason
			}
		}
		if src, _ := loaded.get(); src != nil {
			s := SourceToResponse(src, src.ID)
			resp.Source = &s
		}

		if cfg.Doctor != nil {
			resp.Toolchain = ToolchainToResponse(cfg.Doctor.Peek())
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func listSourcesHandler(cfg ServerConfig, loaded *loadedSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, err := cfg.CatalogService.GetSources(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list sources", "INTERNAL_ERROR")
			return
		}

		loadedID := loaded.id()
		resp := SourcesResponse{Sources: make([]SourceResponse, len(sources))}
		for i, s := range sources {
			resp.Sources[i] = SourceToResponse(s, loadedID)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func addSourceHandler(cfg ServerConfig, loaded *loadedSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddSourceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}

		ctx := r.Context()
		source, err := cfg.CatalogService.AddSource(ctx, req.Path, req.DisplayName)
		if err != nil {
			code := "BAD_REQUEST"
			switch {
			case errors.Is(err, catalog.ErrNotVideo):
				code = "NOT_VIDEO"
			case errors.Is(err, media.ErrNoVideo):
				code = "NO_VIDEO_TRACK"
			}
			WriteError(w, http.StatusBadRequest, err.Error(), code)
			return
		}

		if cfg.OpenSource != nil {
			src, err := cfg.OpenSource(ctx, source)
			if err != nil {
				cfg.Logger.Error("failed to open source", "source_id", source.ID, "error", err)
				WriteError(w, http.StatusUnprocessableEntity, err.Error(), "OPEN_FAILED")
				return
			}
			if err := cfg.Trim.SetSource(ctx, src); err != nil {
				closeSource(src)
				writeTrimError(w, err)
				return
			}
			closeSource(loaded.swap(source, src))

			if cfg.Watcher != nil {
				if err := cfg.Watcher.Watch(context.WithoutCancel(ctx), source.Path); err != nil {
					cfg.Logger.Warn("failed to watch source", "source_id", source.ID, "error", err)
				}
			}
		}

		WriteJSON(w, http.StatusCreated, AddSourceResponse{
			SourceID: source.ID,
			Duration: source.Duration,
			HasAudio: source.HasAudio(),
		})
	}
}

func deleteSourceHandler(cfg ServerConfig, loaded *loadedSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "source id required", "BAD_REQUEST")
			return
		}
		if id == loaded.id() {
			WriteError(w, http.StatusConflict, "source is loaded", "SOURCE_LOADED")
			return
		}

		if err := cfg.CatalogService.RemoveSource(r.Context(), id); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func closeSource(src media.Source) {
	if c, ok := src.(io.Closer); ok {
		c.Close()
	}
}
