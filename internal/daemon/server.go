// Package daemon wires the collector: scheduler, delta engine, reconciler
// and the HTTP control surface.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/proxymeter/proxymeter/internal/config"
	"github.com/proxymeter/proxymeter/internal/metering"
	"github.com/proxymeter/proxymeter/internal/pricing"
	"github.com/proxymeter/proxymeter/internal/upstream"
	"github.com/proxymeter/proxymeter/internal/version"
)

// Server exposes the control surface and the read projections.
type Server struct {
	store       *metering.Store
	reconciler  *metering.Reconciler
	coordinator *Coordinator
	logger      zerolog.Logger
	offsetHours int
}

// Run assembles the collector and blocks until a termination signal. The
// in-flight pass finishes, HTTP connections get a short drain window, then
// the process exits.
func Run(cfg config.Config, logger zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := metering.OpenStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open metering store: %w", err)
	}
	defer store.Close()

	oracle := pricing.NewOracle(cfg.PricingURL, logger)
	if cfg.PricingOverrides != "" {
		go func() {
			if err := oracle.WatchOverrides(ctx, cfg.PricingOverrides); err != nil {
				logger.Warn().Str("event", "pricing_overrides_watch_failed").Err(err).Msg("")
			}
		}()
	}

	engine := metering.NewEngine(store, oracle.Price, metering.EngineOptions{
		TimezoneOffsetHours: cfg.TimezoneOffset,
	}, logger)
	reconciler := metering.NewReconciler(store, metering.ReconcilerOptions{
		TimezoneOffsetHours: cfg.TimezoneOffset,
	}, logger)
	client := upstream.NewClient(cfg.ProxyURL, cfg.ManagementKey)

	coordinator := NewCoordinator(
		client, engine, reconciler, store,
		cfg.RetentionDays,
		time.Duration(cfg.IntervalSeconds)*time.Second,
		logger,
	)

	srv := &Server{
		store:       store,
		reconciler:  reconciler,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "http").Logger(),
		offsetHours: cfg.TimezoneOffset,
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", cfg.TriggerPort),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	coordinatorDone := make(chan struct{})
	go func() {
		defer close(coordinatorDone)
		coordinator.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("event", "collector_start").
		Str("addr", httpServer.Addr).
		Str("db", cfg.DBPath).
		Int("interval_seconds", cfg.IntervalSeconds).
		Str("version", version.Version).
		Msg("")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}

	<-coordinatorDone
	logger.Info().Str("event", "collector_stop").Str("reason", "signal").Msg("")
	return nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Route("/api/collector", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/trigger", s.handleTrigger)
		r.Post("/reset/{configID}", s.handleReset)

		r.Get("/snapshots/latest", s.handleLatestSnapshot)
		r.Get("/stats/daily", s.handleDailyStats)
		r.Get("/stats/hourly", s.handleHourlyStats)
		r.Get("/stats/store", s.handleStoreStats)
		r.Get("/usage/models", s.handleModelUsage)
		r.Get("/usage/endpoints", s.handleEndpointUsage)

		r.Get("/limits", s.handleListLimits)
		r.Post("/limits", s.handleCreateLimit)
		r.Put("/limits/{configID}", s.handleUpdateLimit)
	})
	return r
}

// The health check never touches the data plane.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   version.Version,
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	started := s.coordinator.TriggerAsync()
	message := "collection pass queued"
	if !started {
		message = "collection pass already in flight"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": message})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	configID, err := strconv.ParseInt(chi.URLParam(r, "configID"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "config id must be an integer")
		return
	}

	status, err := s.reconciler.ManualReset(r.Context(), configID)
	if err != nil {
		if errors.Is(err, metering.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, fmt.Sprintf("rate limit config %d not found", configID))
			return
		}
		s.logger.Warn().Str("event", "reset_failed").Int64("config_id", configID).Err(err).Msg("")
		writeJSONError(w, http.StatusInternalServerError, "reset failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("rate limit %d reset", configID),
		"new_status": map[string]any{
			"percentage": status.Percentage,
			"label":      status.StatusLabel,
		},
	})
}

// --- Helpers ---

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int64("duration_ms", time.Since(start).Milliseconds()).
				Msg("")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
