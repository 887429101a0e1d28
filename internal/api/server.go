// Package api is the HTTP surface over the ingestion engine and the sync
// trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"schemaflow/internal/document"
	"schemaflow/internal/ingest"
	"schemaflow/internal/sourcesync"
)

// MaxBodyBytes bounds a single POSTed record.
const MaxBodyBytes = 8 << 20

// Logger is the minimal logging interface used by the server.
type Logger interface {
	Printf(format string, v ...any)
}

// Trigger starts a background sync; *sourcesync.Syncer implements it.
type Trigger interface {
	Trigger(ctx context.Context) sourcesync.TriggerResult
}

// Server routes requests to the engine.
type Server struct {
	engine  *ingest.Engine
	trigger Trigger
	logger  Logger

	// runCtx outlives requests and bounds triggered sync runs.
	runCtx context.Context
}

// New returns a server. trigger may be nil, in which case the sync route
// answers 503. runCtx bounds background runs started by the sync route.
func New(runCtx context.Context, engine *ingest.Engine, trigger Trigger, logger Logger) *Server {
	return &Server{engine: engine, trigger: trigger, logger: logger, runCtx: runCtx}
}

func (s *Server) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Printf(format, v...)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /records", s.handleFindRecords)
	mux.HandleFunc("GET /records/sources", s.handleFindSources)
	mux.HandleFunc("GET /records/sync", s.handleTriggerSync)
	mux.HandleFunc("POST /records/{source}", s.handleIngestRecord)

	// Paths of the first release, still used by existing clients.
	mux.HandleFunc("GET /record", s.handleFindRecords)
	mux.HandleFunc("GET /record/sources", s.handleFindSources)
	mux.HandleFunc("GET /record/injestManual", s.handleTriggerSync)
	return s.withLogging(mux)
}

// HTTPServer wraps Handler with the timeouts used in production.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logf("stage=http method=%s path=%s status=%d duration=%s",
			r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Microsecond))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, "ok", nil, nil)
}

func (s *Server) handleFindRecords(w http.ResponseWriter, r *http.Request) {
	page, err := s.engine.FindRecords(r.Context(), r.URL.Query())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, "Records successfully retrieved", page.Data, &Pagination{
		PerPage:            page.PerPage,
		CurrentPage:        page.Page,
		TotalPages:         page.TotalPages,
		TotalDocumentCount: page.Total,
	})
}

func (s *Server) handleFindSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.engine.FindSources(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, "Sources successfully retrieved", sources, nil)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, _ *http.Request) {
	if s.trigger == nil {
		s.respond(w, http.StatusServiceUnavailable, "Sync is not configured", nil, nil)
		return
	}
	switch res := s.trigger.Trigger(s.runCtx); res {
	case sourcesync.Accepted:
		s.respond(w, http.StatusAccepted, "Sync successfully initiated", res, nil)
	default:
		s.respond(w, http.StatusConflict, "Sync already in progress", res, nil)
	}
}

func (s *Server) handleIngestRecord(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	payload, err := document.Decode(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		s.respond(w, http.StatusBadRequest, "Body must be a JSON object: "+err.Error(), nil, nil)
		return
	}
	rec, err := s.engine.IngestRecord(r.Context(), source, payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, "Record successfully ingested", rec, nil)
}

// fail maps engine errors to statuses. Rejected payloads carry their
// validation error list as data.
func (s *Server) fail(w http.ResponseWriter, err error) {
	if verrs, ok := ingest.ValidationErrors(err); ok {
		s.respond(w, http.StatusBadRequest, err.Error(), verrs, nil)
		return
	}
	if errors.Is(err, ingest.ErrEmptySource) || errors.Is(err, ingest.ErrNoPayload) {
		s.respond(w, http.StatusBadRequest, err.Error(), nil, nil)
		return
	}
	s.logf("stage=http err=%v", err)
	s.respond(w, http.StatusInternalServerError, "Internal error", nil, nil)
}

// Envelope is the body of every response.
type Envelope struct {
	Success    bool        `json:"success"`
	Status     int         `json:"status"`
	Message    string      `json:"message"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination accompanies list responses.
type Pagination struct {
	PerPage            int   `json:"perPage"`
	CurrentPage        int   `json:"currentPage"`
	TotalPages         int64 `json:"totalPages"`
	TotalDocumentCount int64 `json:"totalDocumentCount"`
}

func (s *Server) respond(w http.ResponseWriter, status int, message string, data any, p *Pagination) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(Envelope{
		Success:    status >= 200 && status < 300,
		Status:     status,
		Message:    message,
		Data:       data,
		Pagination: p,
	})
	if err != nil {
		s.logf("stage=http encode_err=%v", err)
	}
}
