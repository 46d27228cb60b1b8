// Package server exposes the edge over HTTP: conditional polling, live
// feature streams, and the operational endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/flagedge/internal/core"
	"github.com/matt-riley/flagedge/internal/etag"
	"github.com/matt-riley/flagedge/internal/metrics"
	"github.com/matt-riley/flagedge/internal/middleware"
	"github.com/matt-riley/flagedge/internal/service"
)

const (
	// ContextHeader carries the SDK's evaluation attributes.
	ContextHeader = "x-featurehub"

	contextQueryParam  = "featurehub"
	healthProbeTimeout = 2 * time.Second
)

// HTTPServer serves the SDK-facing endpoints.
type HTTPServer struct {
	requester Requester
	streamer  Streamer
	prober    Prober
	throttle  *middleware.InvalidKeyThrottle
	metrics   *metrics.Metrics
	logger    *slog.Logger

	dropAfter         time.Duration
	heartbeatInterval time.Duration
}

type HTTPOption func(*HTTPServer)

func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProber makes /healthz report the cache tier's reachability.
func WithProber(prober Prober) HTTPOption {
	return func(s *HTTPServer) {
		s.prober = prober
	}
}

func WithInvalidKeyThrottle(throttle *middleware.InvalidKeyThrottle) HTTPOption {
	return func(s *HTTPServer) {
		s.throttle = throttle
	}
}

// WithStreamTimers sets how long a stream lives before it is recycled and how
// often heartbeats are sent. Zero disables either.
func WithStreamTimers(dropAfter, heartbeatInterval time.Duration) HTTPOption {
	return func(s *HTTPServer) {
		s.dropAfter = dropAfter
		s.heartbeatInterval = heartbeatInterval
	}
}

// NewHTTPHandler builds the edge's HTTP handler. m must not be nil.
func NewHTTPHandler(requester Requester, streamer Streamer, m *metrics.Metrics, opts ...HTTPOption) http.Handler {
	if requester == nil || streamer == nil {
		panic("requester and streamer are required")
	}
	if m == nil {
		panic("metrics is nil")
	}

	s := &HTTPServer{
		requester: requester,
		streamer:  streamer,
		metrics:   m,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /features", s.handlePoll)
	mux.HandleFunc("GET /features/{$}", s.handlePoll)
	mux.HandleFunc("GET /features/{environmentId}/{serviceCredential}", s.handleStream)
	mux.HandleFunc("GET /features/{cacheName}/{environmentId}/{serviceCredential}", s.handleStream)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", m.Handler())

	return s.withMetrics(mux)
}

func (s *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveHTTP(r.Method, route, rec.status, time.Since(start))
	})
}

type environmentFeatures struct {
	ID       uuid.UUID           `json:"id"`
	Features []core.FeatureState `json:"features"`
}

func (s *HTTPServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.ObservePoll(time.Since(start)) }()

	query := r.URL.Query()
	raws := slices.Concat(query["apiKey"], query["sdkUrl"])
	if len(raws) == 0 {
		writeJSONError(w, http.StatusBadRequest, "apiKey is required")
		return
	}

	keys := core.ParseKeys(raws)
	if len(keys) == 0 {
		s.rejectInvalidKey(w, r)
		return
	}

	evalCtx := core.DecodeContext(r.Header.Values(ContextHeader), keys)
	inbound := etag.Unquote(r.Header.Get("If-None-Match"))
	tags := etag.Split(inbound, keys, evalCtx.Tag())

	responses, err := s.requester.Request(r.Context(), keys, evalCtx, tags)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		LoggerFor(r, s.logger).Warn("feature request failed", "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}

	for _, response := range responses {
		s.metrics.RecordHit("poll", strings.ToLower(string(response.Outcome)))
	}

	writePollResponse(w, tags, inbound, responses)
}

func writePollResponse(w http.ResponseWriter, tags etag.Holder, inbound string, responses []service.Response) {
	if len(responses) > 0 && responses[0].Outcome == service.OutcomeNoChange {
		w.Header().Set("ETag", etag.Quote(inbound))
		w.WriteHeader(http.StatusNotModified)
		return
	}

	failed, notFound := 0, 0
	tagList := make([]string, 0, len(responses))
	body := make([]environmentFeatures, 0, len(responses))
	for _, response := range responses {
		tagList = append(tagList, response.ETag)
		if response.Outcome == service.OutcomeFailed {
			failed++
			if errors.Is(response.Err, service.ErrKeyNotFound) {
				notFound++
			}
			continue
		}
		features := response.Features
		if features == nil {
			features = []core.FeatureState{}
		}
		body = append(body, environmentFeatures{ID: response.Key.EnvironmentID, Features: features})
	}

	switch {
	case failed == len(responses) && notFound == failed:
		writeJSONError(w, http.StatusNotFound, "unknown api key")
	case failed == len(responses):
		writeJSONError(w, http.StatusServiceUnavailable, "cache unavailable")
	default:
		w.Header().Set("ETag", etag.Quote(etag.Join(tags, tagList)))
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *HTTPServer) rejectInvalidKey(w http.ResponseWriter, r *http.Request) {
	s.metrics.IncInvalidKeys()
	if s.throttle != nil && !s.throttle.RecordFailureAndAllow(middleware.ExtractIP(r.RemoteAddr)) {
		writeJSONError(w, http.StatusTooManyRequests, "too many invalid api keys")
		return
	}
	writeJSONError(w, http.StatusNotFound, "unknown api key")
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("environmentId") + "/" + r.PathValue("serviceCredential")
	if cacheName := r.PathValue("cacheName"); cacheName != "" {
		raw = cacheName + "/" + raw
	}
	key, err := core.ParseKey(raw)
	if err != nil {
		s.rejectInvalidKey(w, r)
		return
	}

	start := time.Now()
	defer func() { s.metrics.ObserveStream(time.Since(start)) }()

	keys := []core.Key{key}
	headers := slices.Concat(r.Header.Values(ContextHeader), r.URL.Query()[contextQueryParam])
	evalCtx := core.DecodeContext(headers, keys)

	inbound := r.Header.Get("Last-Event-ID")
	if inbound == "" {
		inbound = r.URL.Query().Get("etag")
	}
	tags := etag.Split(etag.Unquote(inbound), keys, evalCtx.Tag())

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = http.NewResponseController(w).Flush()

	conn := newSSEConnection(w, key, evalCtx, tags, LoggerFor(r, s.logger))
	conn.onHit = func(result string) { s.metrics.RecordHit("sse", result) }
	if !tags.Valid {
		conn.Ack("discover")
	}
	s.streamer.RequestFeatures(conn)

	var drop <-chan time.Time
	if s.dropAfter > 0 {
		timer := time.NewTimer(s.dropAfter)
		defer timer.Stop()
		drop = timer.C
	}
	var heartbeat <-chan time.Time
	if s.heartbeatInterval > 0 {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			conn.Close(false)
			return
		case <-conn.Done():
			return
		case <-drop:
			conn.Close(true)
			return
		case <-heartbeat:
			conn.Ack("heartbeat")
		}
	}
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.prober != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		if err := s.prober.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.streamer.Stats()
	body := map[string]int{
		"environments": stats.Environments,
		"connections":  stats.Connections,
	}
	if s.throttle != nil {
		body["throttled_clients"] = s.throttle.Tracked()
	}
	writeJSON(w, http.StatusOK, body)
}

// LoggerFor returns the request-scoped logger when the logging middleware
// installed one, and fallback otherwise.
func LoggerFor(r *http.Request, fallback *slog.Logger) *slog.Logger {
	if _, ok := middleware.RequestIDFromContext(r.Context()); ok {
		return middleware.LoggerFromContext(r.Context())
	}
	return fallback
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.status = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeSSEEvent(w io.Writer, id, eventName string, payload []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventName); err != nil {
		return err
	}

	for _, line := range compactSSEPayload(payload) {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}

	_, err := fmt.Fprint(w, "\n")
	return err
}

func compactSSEPayload(payload []byte) []string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, payload); err == nil {
		return []string{compact.String()}
	}

	return strings.Split(string(payload), "\n")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
