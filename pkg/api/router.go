// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api exposes the pipeline operations over HTTP.
//
//	POST /api/v1/mqtt/subscribe      {"topic": "..."}
//	POST /api/v1/mqtt/unsubscribe    {"topic": "..."}
//	GET  /api/v1/mqtt/subscribed     ?topic=...  (all topics without it)
//	GET  /api/v1/mqtt/latest         ?topic=...
//	PUT  /api/v1/mqtt/thresholds     {"topic": "...", "thresholds": [...]}
//	GET  /healthz
//	GET  /metrics
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/umh-telemetry/pkg/logger"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/snapshot"
	"github.com/united-manufacturing-hub/umh-telemetry/pkg/store"
)

// Service is what the handlers need from the pipeline.
type Service interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	IsSubscribed(topic string) bool
	Subscriptions() []string
	GetLatestLiveMessage(topic string) (snapshot.Snapshot, bool)
	UpdateThresholds(ctx context.Context, topic string, thresholds []store.Threshold) error
}

// Options configures the router.
type Options struct {
	Service Service
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Health reports readiness problems; nil means always healthy.
	Health func() error
	// NotSubscribed classifies errors that mean "unknown topic" (404).
	NotSubscribed error
	// InvalidThresholds classifies threshold update errors caused by the
	// request (400). Any other update error is a 500.
	InvalidThresholds error
	Logger            *zap.SugaredLogger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logger.For(logger.ComponentAPI)
	}
	h := &handler{
		svc:           opts.Service,
		health:        opts.Health,
		notSubscribed:     opts.NotSubscribed,
		invalidThresholds: opts.InvalidThresholds,
		logger:            opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/mqtt", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Post("/subscribe", h.subscribe)
		r.Post("/unsubscribe", h.unsubscribe)
		r.Get("/subscribed", h.subscribed)
		r.Get("/latest", h.latest)
		r.Put("/thresholds", h.updateThresholds)
	})
	return r
}

func requestLogger(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debugw("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"requestId", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
