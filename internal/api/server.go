package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/heimdex/heimdex-trim/internal/catalog"
	"github.com/heimdex/heimdex-trim/internal/media"
	"github.com/heimdex/heimdex-trim/internal/toolchain"
	"github.com/heimdex/heimdex-trim/internal/trim"
	"github.com/heimdex/heimdex-trim/internal/watcher"
)

// TrimService is the export core as seen from HTTP handlers.
type TrimService interface {
	BeginExport(ctx context.Context, start, end float64) (string, error)
	CancelExport(ctx context.Context) error
	Status(ctx context.Context) (trim.State, *trim.Session, error)
	SetSource(ctx context.Context, src media.Source) error
	Subscribe() *trim.Subscription
}

type DownloadService interface {
	ServeFile(w http.ResponseWriter, r *http.Request, path, filename string) error
}

// SourceOpener turns a registered source into a playable media source.
type SourceOpener func(ctx context.Context, s *catalog.Source) (media.Source, error)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port           int
	Trim           TrimService
	CatalogService catalog.CatalogService
	Repository     catalog.Repository
	Downloads      DownloadService
	OpenSource     SourceOpener
	Watcher        watcher.Watcher
	Doctor         *toolchain.CachedDoctor
	Metrics        http.Handler
	FrameRate      float64
	Logger         *slog.Logger
	StartTime      time.Time
	DeviceID       string
	Version        string
	// Heartbeat is the idle interval between event stream keep-alives.
	Heartbeat time.Duration
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	// Event streams never go idle; ending the base context on shutdown
	// lets them return.
	base, cancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return base },
	}
	httpServer.RegisterOnShutdown(cancel)

	return &Server{httpServer: httpServer, logger: cfg.Logger}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
