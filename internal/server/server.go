// Package server exposes the HTTP surface: candlestick queries, data
// administration, health, Prometheus metrics and the ticker relay
// websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/internal/aggregate"
	"github.com/candleproxy/candleproxy/internal/collector"
	"github.com/candleproxy/candleproxy/internal/config"
	"github.com/candleproxy/candleproxy/internal/metrics"
	"github.com/candleproxy/candleproxy/internal/service"
	"github.com/candleproxy/candleproxy/internal/store"
)

// Version is reported by the root and health endpoints.
const Version = "1.0.0"

type contextKey string

const requestIDKey contextKey = "request_id"

// Server is the HTTP server and its handler dependencies.
type Server struct {
	router    *mux.Router
	server    *http.Server
	svc       *service.Service
	agg       *aggregate.Aggregator
	store     *store.Store
	collector *collector.Collector
	hub       *TickerHub
	cfg       config.ServerConfig
}

// New wires the routes and middleware. The hub may be nil, in which case the
// ticker relay endpoint is not registered.
func New(cfg config.ServerConfig, svc *service.Service, agg *aggregate.Aggregator, st *store.Store, coll *collector.Collector, hub *TickerHub) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		svc:       svc,
		agg:       agg,
		store:     st,
		collector: coll,
		hub:       hub,
		cfg:       cfg,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/", s.handleRoot).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.HandleFunc("/candlestick/historical", s.handleHistorical).Methods("GET", "OPTIONS")

	data := s.router.PathPrefix("/data").Subrouter()
	data.HandleFunc("/candles", s.handleCandles).Methods("GET", "OPTIONS")
	data.HandleFunc("/candles", s.handleDeleteCandles).Methods("DELETE", "OPTIONS")
	data.HandleFunc("/stats", s.handleStats).Methods("GET", "OPTIONS")
	data.HandleFunc("/integrity", s.handleIntegrity).Methods("GET", "OPTIONS")
	data.HandleFunc("/watch-pairs", s.handleListWatchPairs).Methods("GET", "OPTIONS")
	data.HandleFunc("/watch-pairs", s.handleAddWatchPair).Methods("POST", "OPTIONS")
	data.HandleFunc("/watch-pairs", s.handleRemoveWatchPair).Methods("DELETE", "OPTIONS")
	data.HandleFunc("/watch-pairs/toggle", s.handleToggleWatchPair).Methods("PUT", "OPTIONS")

	if s.hub != nil {
		s.router.HandleFunc("/ws/ticker", s.hub.HandleWS)
	}
}

// Start binds the listener and serves in the background. Bind failures are
// returned synchronously.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %v: %w", s.server.Addr, err)
	}

	log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/ticker" {
			// Upgraded connections get logged by the hub instead.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("request_id", requestID).
			Msg("HTTP request")
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws/ticker" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if template, err := route.GetPathTemplate(); err == nil {
				path = template
			}
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.HTTPDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
