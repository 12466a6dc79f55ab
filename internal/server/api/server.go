// Package api exposes the ingestion runtime over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"ingestd/internal/cache"
	"ingestd/internal/storage"
	"ingestd/internal/types"
)

const (
	DefaultPort           = "8080"
	DefaultMaxUploadBytes = 100 * 1024 * 1024
	shutdownTimeout       = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ingestor is the part of core.Runtime the API drives.
type Ingestor interface {
	ProcessInput(ctx context.Context, in types.SourceInput) (*types.SourceResult, error)
	StartStreamingAdapter(ctx context.Context, id string, cfg types.StreamingSourceConfig, sink storage.Sink, datasetID string) error
	StopStreamingAdapter(ctx context.Context, id string) error
	GetStreamingStatus() map[string]types.StreamingStatus
	AllowDomain(domain string) error
	AllowedDomains() []string
}

type Config struct {
	Port           string
	MaxUploadBytes int64
	CacheTTL       time.Duration
}

type Server struct {
	name     string
	config   Config
	runtime  Ingestor
	store    storage.Store
	datasets *cache.Cache[string, *storage.Dataset]
	logger   *slog.Logger
	started  time.Time

	server   *http.Server
	listener net.Listener
}

func New(name string, config Config, runtime Ingestor, store storage.Store) *Server {
	if config.Port == "" {
		config.Port = DefaultPort
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}

	return &Server{
		name:     name,
		config:   config,
		runtime:  runtime,
		store:    store,
		datasets: cache.New[string, *storage.Dataset](cache.Config{TTL: config.CacheTTL}, func(id string) string { return id }),
		logger:   slog.Default().With("server", name),
		started:  time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/ingest/file", s.handleIngestFile)
	mux.HandleFunc("POST /v1/ingest/url", s.handleIngestURL)
	mux.HandleFunc("GET /v1/datasets/{id}", s.handleGetDataset)
	mux.HandleFunc("GET /v1/streams", s.handleListStreams)
	mux.HandleFunc("POST /v1/streams/{id}", s.handleStartStream)
	mux.HandleFunc("DELETE /v1/streams/{id}", s.handleStopStream)
	mux.HandleFunc("GET /v1/admin/allowlist", s.handleListAllowlist)
	mux.HandleFunc("POST /v1/admin/allowlist", s.handleAllowDomain)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start binds the port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.config.Port)
	if err != nil {
		return fmt.Errorf("api server %s: listen on port %s: %w", s.name, s.config.Port, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("API server shutdown error", "error", err)
		return err
	}
	return nil
}
