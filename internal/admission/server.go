// Package admission decides, per inbound request, between forwarding to the
// downstream service right away and parking the request in the overflow
// queue. It also serves the status, health and metrics endpoints.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"backstop/internal/config"
	"backstop/internal/forward"
	"backstop/internal/limiter"
	"backstop/internal/queue"
	"backstop/internal/snapshot"
)

// maxRequestBody caps what a single inbound request may carry, uploads
// included.
const maxRequestBody = 32 << 20

// ArchiveLookup resolves job records that already fell out of Redis.
type ArchiveLookup interface {
	Get(ctx context.Context, queueID string) (*queue.JobRecord, bool, error)
}

type Server struct {
	cfg     *config.Config
	store   *queue.Store
	limiter *limiter.Limiter
	fwd     *forward.Forwarder
	probe   *http.Client  // short-timeout client for /health downstream probes
	archive ArchiveLookup // nil when archiving is disabled
	log     zerolog.Logger
}

func NewServer(cfg *config.Config, store *queue.Store, lim *limiter.Limiter, fwd *forward.Forwarder, archive ArchiveLookup, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		limiter: lim,
		fwd:     fwd,
		probe:   &http.Client{Timeout: 2 * time.Second},
		archive: archive,
		log:     log,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/queue/{queueID}", s.handleStatus)
	for _, method := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
	} {
		r.Method(method, "/{route}", http.HandlerFunc(s.handleAdmit))
		r.Method(method, "/{route}/*", http.HandlerFunc(s.handleAdmit))
	}
	return r
}

// handleAdmit runs the admission state machine: one atomic check-and-acquire
// against the shared limiter, then either a synchronous forward or an
// enqueue with a 202.
func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "route")
	route := s.cfg.Route(name)
	if route == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown route %q", name))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	snap, err := snapshot.Capture(r, name, "/"+chi.URLParam(r, "*"))
	if err != nil {
		var tooBig *http.MaxBytesError
		switch {
		case errors.As(err, &tooBig):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, snapshot.ErrUnsupportedMethod), errors.Is(err, snapshot.ErrMalformedMultipart):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return
	}

	slot, ok, err := s.limiter.Acquire(ctx, route.Name, route.MaxConcurrent)
	if err != nil {
		s.log.Error().Err(err).Str("route", route.Name).Msg("limiter unavailable")
		writeError(w, http.StatusServiceUnavailable, "shared store unavailable")
		return
	}
	if ok {
		defer func() {
			if err := s.limiter.Release(context.WithoutCancel(ctx), route.Name, slot); err != nil {
				s.log.Error().Err(err).Str("route", route.Name).Str("slot", slot).Msg("slot release failed")
			}
		}()
		s.forwardNow(w, r, route, snap)
		return
	}
	s.enqueue(w, r, route, snap)
}

func (s *Server) forwardNow(w http.ResponseWriter, r *http.Request, route *config.Route, snap *snapshot.Snapshot) {
	resp, err := s.fwd.Do(r.Context(), route, snap)
	switch {
	case errors.Is(err, forward.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "downstream timed out")
		return
	case errors.Is(err, forward.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "downstream unavailable")
		return
	case err != nil:
		s.log.Error().Err(err).Str("route", route.Name).Msg("forward failed")
		writeError(w, http.StatusBadGateway, "forward failed")
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, route *config.Route, snap *snapshot.Snapshot) {
	id, pos, err := s.store.Enqueue(r.Context(), snap)
	if err != nil {
		s.log.Error().Err(err).Str("route", route.Name).Msg("enqueue failed")
		writeError(w, http.StatusServiceUnavailable, "shared store unavailable")
		return
	}
	s.log.Info().Str("route", route.Name).Str("queue_id", id).Int64("position", pos).Msg("request queued")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":           "queued",
		"queue_id":         id,
		"message":          fmt.Sprintf("%s is at capacity, request queued for replay", route.Name),
		"queue_position":   pos,
		"check_status_url": fmt.Sprintf("%s/queue/%s", s.cfg.PublicURL, id),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "queueID")

	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Error().Err(err).Str("queue_id", id).Msg("status lookup failed")
		writeError(w, http.StatusServiceUnavailable, "shared store unavailable")
		return
	}
	if !ok && s.archive != nil {
		rec, ok, err = s.archive.Get(ctx, id)
		if err != nil {
			s.log.Error().Err(err).Str("queue_id", id).Msg("archive lookup failed")
			writeError(w, http.StatusServiceUnavailable, "archive unavailable")
			return
		}
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown queue id")
		return
	}

	dto := map[string]any{
		"queue_id":  rec.QueueID,
		"route":     rec.Route,
		"status":    rec.Status,
		"queued_at": rec.QueuedAt,
	}
	if !rec.ProcessingAt.IsZero() {
		dto["processing_at"] = rec.ProcessingAt
	}
	if !rec.CompletedAt.IsZero() {
		dto["completed_at"] = rec.CompletedAt
	}
	switch rec.Status {
	case queue.StatusCompleted:
		dto["response_status"] = rec.ResponseStatus
		dto["response_body"] = string(rec.ResponseBody)
	case queue.StatusFailed:
		dto["error"] = rec.ErrorMessage
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true

	storeStatus := "up"
	if err := s.store.Ping(ctx); err != nil {
		storeStatus = "down"
		healthy = false
	}

	routes := make(map[string]any, len(s.cfg.Routes))
	for i := range s.cfg.Routes {
		route := &s.cfg.Routes[i]
		entry := map[string]any{
			"downstream":     s.probeDownstream(ctx, route),
			"max_concurrent": route.MaxConcurrent,
		}
		if queued, err := s.store.QueueLen(ctx, route.Name); err == nil {
			entry["queued"] = queued
		}
		if active, err := s.limiter.ActiveCount(ctx, route.Name); err == nil {
			entry["active"] = active
		}
		routes[route.Name] = entry
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	writeJSON(w, status, map[string]any{
		"status": overall,
		"store":  storeStatus,
		"routes": routes,
	})
}

// probeDownstream reports downstream reachability only; any HTTP answer
// counts as up.
func (s *Server) probeDownstream(ctx context.Context, route *config.Route) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, route.BaseURL+"/", nil)
	if err != nil {
		return "down"
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return "down"
	}
	resp.Body.Close()
	return "up"
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make(map[string]any, len(s.cfg.Routes))
	for i := range s.cfg.Routes {
		route := &s.cfg.Routes[i]
		queued, err := s.store.QueueLen(ctx, route.Name)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "shared store unavailable")
			return
		}
		active, err := s.limiter.ActiveCount(ctx, route.Name)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "shared store unavailable")
			return
		}
		available := int64(route.MaxConcurrent) - active
		if available < 0 {
			available = 0
		}
		out[route.Name] = map[string]any{
			"queued_requests": queued,
			"active_requests": active,
			"max_concurrent":  route.MaxConcurrent,
			"available_slots": available,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
