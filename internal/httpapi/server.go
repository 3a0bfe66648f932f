// Package httpapi exposes the custody ledger over JSON HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodyledger/docs/schema/openapi"
	"custodyledger/internal/blob"
	"custodyledger/internal/core"
	"custodyledger/pkg/domain"
)

const (
	// HeaderPrincipal carries the calling principal.
	HeaderPrincipal = "X-Principal"
	// HeaderRequestID carries the request id; one is generated when absent.
	HeaderRequestID = "X-Request-Id"
)

// Server routes HTTP requests to a ledger service.
type Server struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	addr     string
	svc      *core.Service
	archive  blob.Store
	gatherer prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// New builds a server. A nil archive disables the export endpoint.
func New(svc *core.Service, archive blob.Store, logger *slog.Logger, addr string, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if addr == "" {
		addr = ":8080"
	}
	s := &Server{
		mux:      http.NewServeMux(),
		logger:   logger,
		addr:     addr,
		svc:      svc,
		archive:  archive,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Handler returns the routed handler wrapped with request id middleware.
func (s *Server) Handler() http.Handler {
	return s.withRequestID(s.mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("http server stopped", "addr", s.addr)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.Handle("GET /debug/vars", expvar.Handler())
	s.mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(openapi.Spec())
	})

	s.mux.HandleFunc("POST /v1/bottles/{unit_id}", s.handleInitialize)
	s.mux.HandleFunc("GET /v1/bottles/{unit_id}", s.handleGetUnit)
	s.mux.HandleFunc("GET /v1/bottles/{unit_id}/owner", s.handleGetOwner)
	s.mux.HandleFunc("POST /v1/bottles/{unit_id}/events", s.handleRecordEvent)
	s.mux.HandleFunc("GET /v1/bottles/{unit_id}/events", s.handleHistory)
	s.mux.HandleFunc("GET /v1/bottles/{unit_id}/events/count", s.handleEventCount)
	s.mux.HandleFunc("GET /v1/bottles/{unit_id}/events/{event_id}", s.handleGetRecord)
	s.mux.HandleFunc("POST /v1/bottles/{unit_id}/export", s.handleExport)

	s.mux.HandleFunc("GET /v1/admin", s.handleGetAdmin)
	s.mux.HandleFunc("PUT /v1/admin", s.handleTransferAdmin)
	s.mux.HandleFunc("GET /v1/admin/history", s.handleAdminHistory)
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// RecordEventRequest is the body of POST /v1/bottles/{unit_id}/events.
// event_type accepts a name ("shipped") or a numeric code (2).
type RecordEventRequest struct {
	EventType json.RawMessage `json:"event_type"`
	To        string          `json:"to,omitempty"`
	Location  string          `json:"location,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

// RecordEventResponse reports the accepted event id and rule warnings.
type RecordEventResponse struct {
	EventID    uint64             `json:"event_id"`
	Violations []domain.Violation `json:"violations,omitempty"`
}

// TransferAdminRequest is the body of PUT /v1/admin.
type TransferAdminRequest struct {
	Admin string `json:"admin"`
}

type ownerResponse struct {
	UnitID string `json:"unit_id"`
	Owner  string `json:"owner"`
}

type countResponse struct {
	UnitID     string `json:"unit_id"`
	EventCount uint64 `json:"event_count"`
}

type adminResponse struct {
	Admin string `json:"admin"`
}

type exportResponse struct {
	Certificate core.Certificate `json:"certificate"`
	Archive     blob.Info        `json:"archive"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	unit, err := s.svc.InitializeBottle(r.Context(), r.PathValue("unit_id"), caller)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, unit)
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	unit, ok := s.svc.GetUnit(r.Context(), r.PathValue("unit_id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "unit not found")
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (s *Server) handleGetOwner(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unit_id")
	owner, ok := s.svc.GetBottleOwner(r.Context(), unitID)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "unit has no owner")
		return
	}
	writeJSON(w, http.StatusOK, ownerResponse{UnitID: unitID, Owner: owner.String()})
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req RecordEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	// An unparseable type becomes the zero event so the ledger still checks
	// authorization first.
	eventType := decodeEventType(req.EventType)
	id, res, err := s.svc.RecordCustodyEvent(r.Context(), r.PathValue("unit_id"), caller, core.CustodyEvent{
		Type:     eventType,
		To:       core.Some(core.Principal(strings.TrimSpace(req.To))),
		Location: req.Location,
		Notes:    req.Notes,
	})
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordEventResponse{EventID: id, Violations: res.Violations})
}

// decodeEventType accepts a JSON string name or a JSON number and returns
// the zero event for anything else.
func decodeEventType(raw json.RawMessage) domain.EventType {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		e, _ := domain.ParseEventType(name)
		return e
	}
	var code uint8
	if err := json.Unmarshal(raw, &code); err == nil && domain.EventType(code).Valid() {
		return domain.EventType(code)
	}
	return 0
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records := s.svc.History(r.Context(), r.PathValue("unit_id"))
	if records == nil {
		records = []core.ProvenanceRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleEventCount(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unit_id")
	writeJSON(w, http.StatusOK, countResponse{UnitID: unitID, EventCount: s.svc.GetBottleEventCount(r.Context(), unitID)})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	eventID, err := strconv.ParseUint(r.PathValue("event_id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "event_id must be a positive integer")
		return
	}
	rec, ok := s.svc.GetProvenanceRecord(r.Context(), r.PathValue("unit_id"), eventID)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, r, http.StatusNotImplemented, "archive_disabled", "no archive configured")
		return
	}
	cert, info, err := s.svc.ExportProvenance(r.Context(), r.PathValue("unit_id"), s.archive)
	if err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exportResponse{Certificate: cert, Archive: info})
}

func (s *Server) handleGetAdmin(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.svc.Admin(r.Context())
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "no admin configured")
		return
	}
	writeJSON(w, http.StatusOK, adminResponse{Admin: admin.String()})
}

func (s *Server) handleTransferAdmin(w http.ResponseWriter, r *http.Request) {
	caller, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	var req TransferAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	newAdmin := core.Principal(strings.TrimSpace(req.Admin))
	if err := s.svc.TransferAdmin(r.Context(), newAdmin, caller); err != nil {
		s.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adminResponse{Admin: newAdmin.String()})
}

func (s *Server) handleAdminHistory(w http.ResponseWriter, r *http.Request) {
	changes := s.svc.AdminHistory(r.Context())
	if changes == nil {
		changes = []core.AdminChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (core.Principal, bool) {
	p := core.Principal(strings.TrimSpace(r.Header.Get(HeaderPrincipal)))
	if p.IsZero() {
		writeError(w, r, http.StatusUnauthorized, "missing_principal", HeaderPrincipal+" header is required")
		return "", false
	}
	return p, true
}

type requestIDKey struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug("http request", "request_id", id, "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var violation domain.RuleViolationError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, domain.ErrInvalidEventType):
		writeError(w, r, http.StatusBadRequest, "invalid_event_type", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already_exists", err.Error())
	case errors.Is(err, domain.ErrNotInitialized):
		writeError(w, r, http.StatusNotFound, "not_initialized", err.Error())
	case errors.As(err, &violation):
		writeError(w, r, http.StatusUnprocessableEntity, "rule_violation", err.Error())
	default:
		s.logger.Error("ledger request failed", "request_id", requestID(r), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message, RequestID: requestID(r)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
