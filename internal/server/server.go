package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/peximo/stitch/internal/config"
	"github.com/peximo/stitch/internal/logging"
	"github.com/peximo/stitch/internal/upload"
)

// Server is the HTTP surface of the upload coordinator.
type Server struct {
	cfg *config.Config

	manager   *upload.Manager
	scheduler *upload.Scheduler
	limiter   *upload.Limiter
	hub       *upload.EventHub
	reaper    *upload.Reaper

	httpServer     *http.Server
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

// New assembles the coordinator: file-backed registry, blob store,
// scheduler, manager, and reaper, all rooted at cfg.UploadDir.
func New(cfg *config.Config) (*Server, error) {
	store, err := upload.NewBlobStore(cfg.UploadDir)
	if err != nil {
		return nil, err
	}
	registry, err := upload.NewFileRegistry(cfg.UploadDir + "/sessions")
	if err != nil {
		return nil, err
	}

	scheduler := upload.NewScheduler(upload.SchedulerConfig{
		MaxParallelWrites:     cfg.MaxParallelWrites,
		MaxParallelPerSession: cfg.MaxParallelPerSession,
		QueueDepth:            cfg.SessionQueueDepth,
		WriteTimeout:          cfg.WriteTimeout(),
	})
	hub := upload.NewEventHub()
	manager := upload.NewManager(upload.ManagerConfig{
		ChunkSize:   cfg.ChunkSizeBytes,
		MaxFileSize: cfg.MaxFileSizeBytes,
	}, registry, store, scheduler, hub)
	reaper := upload.NewReaper(upload.ReaperConfig{
		Interval:       cfg.ReapInterval(),
		StaleThreshold: cfg.StaleThreshold(),
		Retention:      cfg.Retention(),
	}, manager)

	limiter := upload.NewLimiter(upload.BucketLimits{
		General:    cfg.RateLimitGeneral,
		Upload:     cfg.RateLimitUpload,
		Monitoring: cfg.RateLimitMonitoring,
		Window:     60 * time.Second,
	})

	return &Server{
		cfg:       cfg,
		manager:   manager,
		scheduler: scheduler,
		limiter:   limiter,
		hub:       hub,
		reaper:    reaper,
	}, nil
}

// Manager exposes the session manager (used by tests).
func (s *Server) Manager() *upload.Manager {
	return s.manager
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/upload/init",
		s.rateLimited(upload.BucketGeneral, http.HandlerFunc(s.handleInit))).Methods(http.MethodPost)
	api.Handle("/upload/chunk/{uploadId}",
		s.rateLimited(upload.BucketUpload, http.HandlerFunc(s.handleChunk))).Methods(http.MethodPost)
	api.Handle("/upload/complete/{uploadId}",
		s.rateLimited(upload.BucketGeneral, http.HandlerFunc(s.handleComplete))).Methods(http.MethodPost)
	api.Handle("/upload/status/{uploadId}",
		s.rateLimited(upload.BucketGeneral, gzhttp.GzipHandler(http.HandlerFunc(s.handleStatus)))).Methods(http.MethodGet)
	api.Handle("/upload/{uploadId}",
		s.rateLimited(upload.BucketGeneral, http.HandlerFunc(s.handleDelete))).Methods(http.MethodDelete)
	api.Handle("/monitoring/stats",
		s.rateLimited(upload.BucketMonitoring, gzhttp.GzipHandler(http.HandlerFunc(s.handleStats)))).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws/progress", s.handleProgressWebSocket).Methods(http.MethodGet)

	return s.withRequestID(s.withAccessLog(r))
}

// Start begins serving and launches the background tasks. It blocks until
// the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.shutdownCtx, s.shutdownCancel = context.WithCancel(context.Background())

	if err := s.reaper.Start(); err != nil {
		return err
	}

	// Reap idle rate-limiter entries so per-IP state cannot grow unbounded.
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.limiter.Cleanup(time.Hour)
			case <-s.shutdownCtx.Done():
				return
			}
		}
	}()

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	logging.Info("Upload coordinator listening", zap.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully: no new admissions, queued work
// rejected, in-flight HTTP requests drained.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownCancel != nil {
		s.shutdownCancel()
	}
	s.reaper.Stop()
	s.scheduler.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
