package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nuetzliches/leasequeue/internal/queue"
)

const maxBodyBytes = 1 << 20

// Server serves the admin and pull HTTP API over the configured queues and
// channels.
type Server struct {
	Registry          Registry
	Authorize         Authorizer
	Metrics           http.Handler
	HealthDiagnostics func() map[string]any
	Logger            *slog.Logger
	MaxBatch          int
	MaxPayloads       int

	once   sync.Once
	router http.Handler
}

func NewServer(reg Registry) *Server {
	return &Server{
		Registry:    reg,
		MaxBatch:    defaultMaxBatch,
		MaxPayloads: defaultMaxPayloads,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.once.Do(func() { s.router = s.routes() })
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requireAuth)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errCodeNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errCodeMethodNotAllowed, "method is not allowed")
	})

	r.Get("/healthz", s.handleHealthz)
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics)
	}
	r.Get("/queues", s.handleQueues)
	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/messages", s.handleEnqueue)
		r.Get("/messages/{id}", s.handleGet)
		r.Post("/claim", s.handleClaim)
		r.Post("/ack", s.handleAck)
		r.Post("/nack", s.handleNack)
		r.Post("/ping", s.handlePing)
		r.Post("/clean", s.handleClean)
	})
	r.Post("/channels/{topic}/publish", s.handlePublish)
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authorize != nil && !s.Authorize(r) {
			writeError(w, http.StatusUnauthorized, errCodeUnauthorized, "request is not authorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	details, err := parseBoolParam(r.URL.Query().Get("details"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeInvalidBody, "details must be true|false")
		return
	}
	if !details {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}

	diagnostics := map[string]any{}
	if s.HealthDiagnostics != nil {
		if v := s.HealthDiagnostics(); v != nil {
			diagnostics = v
		}
	}
	diagnostics["queues"] = s.queueSummaries(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"time":        time.Now().UTC().Format(time.RFC3339Nano),
		"diagnostics": diagnostics,
	})
}

type queueSummary struct {
	Name  string       `json:"name"`
	Stats *queue.Stats `json:"stats,omitempty"`
	Error string       `json:"error,omitempty"`
}

func (s *Server) queueSummaries(r *http.Request) []queueSummary {
	if s.Registry == nil {
		return []queueSummary{}
	}
	names := s.Registry.QueueNames()
	out := make([]queueSummary, 0, len(names))
	for _, name := range names {
		sum := queueSummary{Name: name}
		st, opErr := s.Stats(r.Context(), name)
		if opErr != nil {
			sum.Error = opErr.Detail
		} else {
			sum.Stats = &st
		}
		out = append(out, sum)
	}
	return out
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queues": s.queueSummaries(r)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, opErr := s.Stats(r.Context(), chi.URLParam(r, "queue"))
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type enqueueRequest struct {
	Payloads []json.RawMessage `json:"payloads"`
	Delay    string            `json:"delay,omitempty"`
	Priority int               `json:"priority,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}
	delay, ok := parseDuration(req.Delay)
	if !ok {
		writeError(w, http.StatusBadRequest, errCodeInvalidBody, "delay must be a valid duration")
		return
	}
	ids, opErr := s.Enqueue(r.Context(), chi.URLParam(r, "queue"), EnqueueParams{
		Payloads: req.Payloads,
		Delay:    delay,
		Priority: req.Priority,
	})
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	msg, opErr := s.Get(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type claimRequest struct {
	Count      int    `json:"count,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type claimResponse struct {
	Messages []queue.Message `json:"messages"`
	Error    *errorResponse  `json:"error,omitempty"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if r.Body != nil && !decodeJSONBodyStrict(w, r, &req, true) {
		return
	}
	visibility, ok := parseDuration(req.Visibility)
	if !ok {
		writeError(w, http.StatusBadRequest, errCodeInvalidBody, "visibility must be a valid duration")
		return
	}
	msgs, opErr := s.Claim(r.Context(), chi.URLParam(r, "queue"), ClaimParams{
		Count:      req.Count,
		Visibility: visibility,
		MaxRetries: req.MaxRetries,
	})
	if opErr != nil && len(msgs) == 0 {
		writeOpError(w, opErr)
		return
	}
	resp := claimResponse{Messages: msgs}
	if resp.Messages == nil {
		resp.Messages = []queue.Message{}
	}
	if opErr != nil {
		resp.Error = &errorResponse{Code: opErr.Code, Detail: opErr.Detail}
	}
	writeJSON(w, http.StatusOK, resp)
}

type leaseRequest struct {
	Token      string          `json:"token"`
	Result     json.RawMessage `json:"result,omitempty"`
	Delay      string          `json:"delay,omitempty"`
	Visibility string          `json:"visibility,omitempty"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}
	id, opErr := s.Ack(r.Context(), chi.URLParam(r, "queue"), req.Token, req.Result)
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}
	delay, ok := parseDuration(req.Delay)
	if !ok {
		writeError(w, http.StatusBadRequest, errCodeInvalidBody, "delay must be a valid duration")
		return
	}
	id, opErr := s.Nack(r.Context(), chi.URLParam(r, "queue"), req.Token, delay)
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}
	visibility, ok := parseDuration(req.Visibility)
	if !ok {
		writeError(w, http.StatusBadRequest, errCodeInvalidBody, "visibility must be a valid duration")
		return
	}
	id, opErr := s.Ping(r.Context(), chi.URLParam(r, "queue"), req.Token, visibility)
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	n, opErr := s.Clean(r.Context(), chi.URLParam(r, "queue"))
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSONBodyStrict(w, r, &req, false) {
		return
	}
	delay, ok := parseDuration(req.Delay)
	if !ok {
		writeError(w, http.StatusBadRequest, errCodeInvalidBody, "delay must be a valid duration")
		return
	}
	results, opErr := s.Publish(r.Context(), chi.URLParam(r, "topic"), PublishParams{
		Payloads: req.Payloads,
		Delay:    delay,
		Priority: req.Priority,
	})
	if opErr != nil {
		writeOpError(w, opErr)
		return
	}
	if results == nil {
		results = []queue.PublishResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func decodeJSONBodyStrict(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, errCodeInvalidBody, "invalid JSON body: "+err.Error())
		return false
	}

	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		if err == nil {
			writeError(w, http.StatusBadRequest, errCodeInvalidBody, "invalid JSON body: trailing JSON document is not allowed")
			return false
		}
		writeError(w, http.StatusBadRequest, errCodeInvalidBody, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code string, detail string) {
	writeJSON(w, status, errorResponse{Code: code, Detail: detail})
}

func writeOpError(w http.ResponseWriter, opErr *OpError) {
	writeError(w, opErr.StatusCode, opErr.Code, opErr.Detail)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

func parseBoolParam(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
