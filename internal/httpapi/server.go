package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relaydocs/internal/logging"
	"github.com/agentworkforce/relaydocs/internal/records"
	"github.com/agentworkforce/relaydocs/internal/relaydocs"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// AuthTimeout bounds how long a realtime socket may stay open without
	// a valid auth frame.
	AuthTimeout time.Duration
	// OriginPatterns are passed to the websocket handshake. Empty means
	// same-origin only.
	OriginPatterns []string
	Logger         logging.Logger
}

type Server struct {
	store       *relaydocs.Store
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      logging.Logger
	metrics     http.Handler
	now         func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *relaydocs.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *relaydocs.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logging.OrNop(cfg.Logger).With("component", "httpapi"),
		metrics:     promhttp.Handler(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "subscribers": s.store.Hub().Len()})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/realtime" && r.Method == http.MethodGet:
		s.handleRealtime(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "records" && r.Method == http.MethodGet:
		requiredScope = ScopeRecordsRead
		route = "list"
	case len(parts) == 3 && parts[1] == "records" && r.Method == http.MethodPost:
		requiredScope = ScopeRecordsWrite
		route = "create"
	case len(parts) == 4 && parts[1] == "records" && r.Method == http.MethodGet:
		requiredScope = ScopeRecordsRead
		route = "get"
	case len(parts) == 4 && parts[1] == "records" && r.Method == http.MethodPatch:
		requiredScope = ScopeRecordsWrite
		route = "update"
	case len(parts) == 4 && parts[1] == "records" && r.Method == http.MethodDelete:
		requiredScope = ScopeRecordsWrite
		route = "delete"
	case len(parts) == 2 && parts[1] == "documents" && r.Method == http.MethodGet:
		requiredScope = ScopeRecordsRead
		route = "locked_by"
	case len(parts) == 4 && parts[1] == "documents" && parts[3] == "lock" && r.Method == http.MethodPost:
		requiredScope = ScopeRecordsWrite
		route = "lock"
	case len(parts) == 4 && parts[1] == "documents" && parts[3] == "unlock" && r.Method == http.MethodPost:
		requiredScope = ScopeRecordsWrite
		route = "unlock"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.ClientID, s.now()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "list":
		s.handleList(w, r, parts[2], correlationID)
	case "create":
		s.handleCreate(w, r, parts[2], correlationID)
	case "get":
		s.handleGet(w, parts[2], parts[3], correlationID)
	case "update":
		s.handleUpdate(w, r, parts[2], parts[3], correlationID)
	case "delete":
		s.handleDelete(w, parts[2], parts[3], correlationID)
	case "locked_by":
		s.handleLockedBy(w, r, correlationID)
	case "lock":
		s.handleLock(w, r, parts[2], correlationID)
	case "unlock":
		s.handleUnlock(w, r, parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, rawEntity, correlationID string) {
	entity, ok := parseEntity(w, rawEntity, correlationID)
	if !ok {
		return
	}
	query := r.URL.Query()
	items, err := s.store.List(entity, relaydocs.ListFilter{
		ContainerID: strings.TrimSpace(query.Get("containerId")),
		LockedBy:    strings.TrimSpace(query.Get("lockedBy")),
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGet(w http.ResponseWriter, rawEntity, id, correlationID string) {
	entity, ok := parseEntity(w, rawEntity, correlationID)
	if !ok {
		return
	}
	item, err := s.store.Get(entity, id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, rawEntity, correlationID string) {
	entity, ok := parseEntity(w, rawEntity, correlationID)
	if !ok {
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	created, err := s.store.Create(entity, body)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, rawEntity, id, correlationID string) {
	entity, ok := parseEntity(w, rawEntity, correlationID)
	if !ok {
		return
	}
	ifMatch := strings.TrimSpace(r.Header.Get("If-Match"))
	if ifMatch == "" {
		writeError(w, http.StatusPreconditionRequired, "precondition_required", "missing If-Match header", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	updated, err := s.store.Update(entity, id, body, strings.Trim(ifMatch, `"`))
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, rawEntity, id, correlationID string) {
	entity, ok := parseEntity(w, rawEntity, correlationID)
	if !ok {
		return
	}
	removed, err := s.store.Delete(entity, id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}

func (s *Server) handleLockedBy(w http.ResponseWriter, r *http.Request, correlationID string) {
	owner := strings.TrimSpace(r.URL.Query().Get("lockedBy"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "lockedBy query parameter is required", correlationID)
		return
	}
	docs := s.store.DocumentsLockedBy(owner)
	if docs == nil {
		docs = []records.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": docs})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var req relaydocs.LockRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	doc, err := s.store.LockDocument(id, req)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	var req relaydocs.UnlockRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	doc, err := s.store.UnlockDocument(id, req)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func parseEntity(w http.ResponseWriter, raw, correlationID string) (records.EntityType, bool) {
	entity, err := records.ParseEntityType(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return "", false
	}
	return entity, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var lockErr *records.LockConflictError
	var revErr *relaydocs.ConflictError
	switch {
	case errors.As(err, &lockErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "lock_conflict",
			"message":       lockErr.Error(),
			"correlationId": correlationID,
			"heldBy":        lockErr.HeldBy,
			"heldType":      lockErr.HeldType,
		})
	case errors.As(err, &revErr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":             "revision_conflict",
			"message":          revErr.Error(),
			"correlationId":    correlationID,
			"expectedRevision": revErr.ExpectedRevision,
			"currentRevision":  revErr.CurrentRevision,
		})
	case errors.Is(err, records.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, records.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relaydocs.ErrStoreClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
