// Package httpserver exposes the CoreFlow HTTP API: publishing, stats,
// dead-letter management and a websocket notification stream.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/coreflow/errs"
	"github.com/coachpo/coreflow/internal/domain/schema"
	"github.com/coachpo/coreflow/internal/infra/bus/eventbus"
	"github.com/coachpo/coreflow/internal/infra/config"
	"github.com/coachpo/coreflow/internal/infra/security"
	"github.com/coachpo/coreflow/internal/infra/telemetry"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	// HeaderTenantID identifies the calling tenant.
	HeaderTenantID = "X-Tenant-ID"
	// HeaderUserID identifies the calling user.
	HeaderUserID = "X-User-ID"

	healthPath          = "/healthz"
	statsPath           = "/v1/stats"
	eventsPath          = "/v1/events"
	deadLettersPath     = "/v1/dead-letters"
	deadLetterDetailPfx = deadLettersPath + "/"
	streamPath          = "/v1/stream"

	defaultDeadLetterLimit = 100
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Options carries the collaborators and limits of the API.
type Options struct {
	API         config.APIServerConfig
	TenantRoles []string
	Logger      *log.Logger
}

type httpServer struct {
	bus         *eventbus.EventBus
	tenantRoles []string
	logger      *log.Logger
	limiters    *tenantLimiters
	metrics     *serverMetrics
}

type publishRequest struct {
	Type          string          `json:"type"`
	Channel       string          `json:"channel"`
	Data          map[string]any  `json:"data"`
	Priority      string          `json:"priority,omitempty"`
	Persistent    *bool           `json:"persistent,omitempty"`
	TTLMillis     int64           `json:"ttlMs,omitempty"`
	DelayMillis   int64           `json:"delayMs,omitempty"`
	MaxRetries    *int            `json:"maxRetries,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Module        string          `json:"module,omitempty"`
	EntityID      string          `json:"entityId,omitempty"`
	EntityType    string          `json:"entityType,omitempty"`
	Targets       []schema.Target `json:"targets,omitempty"`
}

// NewHandler creates the HTTP handler serving the CoreFlow API for bus.
func NewHandler(bus *eventbus.EventBus, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "coreflow/api ", log.LstdFlags|log.Lmicroseconds)
	}
	server := &httpServer{
		bus:         bus,
		tenantRoles: append([]string(nil), opts.TenantRoles...),
		logger:      logger,
		limiters:    newTenantLimiters(opts.API.RateLimit, opts.API.RateBurst),
		metrics:     newServerMetrics(),
	}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stats,
	}))
	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.publishEvent,
	}))
	mux.Handle(deadLettersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listDeadLetters,
	}))
	mux.Handle(deadLetterDetailPfx, http.HandlerFunc(server.handleDeadLetter))
	mux.Handle(streamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stream,
	}))

	return withCORS(server.instrument(mux))
}

// NewServer wraps handler in an http.Server configured from cfg.
func NewServer(handler http.Handler, cfg config.APIServerConfig) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !s.bus.Running() {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status})
}

func (s *httpServer) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Stats())
}

func (s *httpServer) publishEvent(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	if !s.limiters.allow(principal.TenantID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded for tenant "+principal.TenantID)
		return
	}

	limitRequestBody(w, r)
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, err)
		return
	}

	opts, err := req.options()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	module := strings.TrimSpace(req.Module)
	if module == "" {
		module = "api"
	}
	source := schema.Source{
		Module:     module,
		TenantID:   principal.TenantID,
		UserID:     principal.UserID,
		EntityID:   req.EntityID,
		EntityType: req.EntityType,
	}

	ctx := security.WithPrincipal(r.Context(), principal)
	id, err := s.bus.PublishEvent(ctx, schema.EventType(strings.TrimSpace(req.Type)), schema.NormalizeChannel(req.Channel), req.Data, source, opts...)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "id": id})
}

func (req publishRequest) options() ([]eventbus.PublishOption, error) {
	var opts []eventbus.PublishOption
	if raw := strings.TrimSpace(req.Priority); raw != "" {
		priority, err := schema.ParsePriority(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, eventbus.WithPriority(priority))
	}
	if req.Persistent != nil {
		opts = append(opts, eventbus.WithPersistent(*req.Persistent))
	}
	if req.TTLMillis < 0 || req.DelayMillis < 0 {
		return nil, fmt.Errorf("ttlMs and delayMs must be >= 0")
	}
	if req.TTLMillis > 0 {
		opts = append(opts, eventbus.WithTTL(time.Duration(req.TTLMillis)*time.Millisecond))
	}
	if req.DelayMillis > 0 {
		opts = append(opts, eventbus.WithDelay(time.Duration(req.DelayMillis)*time.Millisecond))
	}
	if req.MaxRetries != nil {
		opts = append(opts, eventbus.WithMaxRetries(*req.MaxRetries))
	}
	if req.CorrelationID != "" {
		opts = append(opts, eventbus.WithCorrelationID(req.CorrelationID))
	}
	if req.CausationID != "" {
		opts = append(opts, eventbus.WithCausationID(req.CausationID))
	}
	if len(req.Targets) > 0 {
		opts = append(opts, eventbus.WithTargets(req.Targets...))
	}
	return opts, nil
}

func (s *httpServer) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.bus.DeadLetters().ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	if tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID)); tenant != "" {
		filtered := make([]schema.DeadLetter, 0, len(entries))
		for _, entry := range entries {
			if entry.Event != nil && entry.Event.Source.TenantID == tenant {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	if entries == nil {
		entries = []schema.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": entries})
}

func (s *httpServer) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, deadLetterDetailPfx), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "dead letter id required")
		return
	}
	switch action {
	case "":
		s.methodHandlers(map[string]handlerFunc{
			http.MethodGet: func(w http.ResponseWriter, r *http.Request) { s.getDeadLetter(w, r, id) },
		}).ServeHTTP(w, r)
	case "replay":
		s.methodHandlers(map[string]handlerFunc{
			http.MethodPost: func(w http.ResponseWriter, r *http.Request) { s.replayDeadLetter(w, r, id) },
		}).ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown dead letter action "+action)
	}
}

func (s *httpServer) getDeadLetter(w http.ResponseWriter, r *http.Request, id string) {
	entry, err := s.bus.DeadLetters().GetDeadLetter(r.Context(), id)
	if err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *httpServer) replayDeadLetter(w http.ResponseWriter, r *http.Request, id string) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	ctx := security.WithPrincipal(r.Context(), principal)
	if err := s.bus.ReplayDeadLetter(ctx, id); err != nil {
		writeErrorFrom(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "replayed", "id": id})
}

func (s *httpServer) principal(w http.ResponseWriter, r *http.Request) (security.Principal, bool) {
	tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID))
	if tenant == "" {
		writeError(w, http.StatusBadRequest, HeaderTenantID+" header required")
		return security.Principal{}, false
	}
	return security.Principal{
		TenantID: tenant,
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Roles:    s.tenantRoles,
	}, true
}

// tenantLimiters hands out one token bucket per tenant.
type tenantLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newTenantLimiters(perSecond float64, burst int) *tenantLimiters {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &tenantLimiters{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (t *tenantLimiters) allow(tenant string) bool {
	t.mu.Lock()
	limiter, ok := t.limiters[tenant]
	if !ok {
		limiter = rate.NewLimiter(t.limit, t.burst)
		t.limiters[tenant] = limiter
	}
	t.mu.Unlock()
	return limiter.Allow()
}

type serverMetrics struct {
	duration metric.Float64Histogram
}

func newServerMetrics() *serverMetrics {
	meter := otel.Meter("coreflow/api")
	duration, _ := meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request latency"),
		metric.WithUnit("ms"))
	return &serverMetrics{duration: duration}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket hijack).
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *httpServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == streamPath {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics.duration == nil {
			return
		}
		attrs := []attribute.KeyValue{
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", routeOf(r.URL.Path)),
			attribute.Int("http.response.status_code", rec.status),
		}
		s.metrics.duration.Record(context.Background(), float64(time.Since(start).Microseconds())/1000.0, metric.WithAttributes(attrs...))
	})
}

func routeOf(path string) string {
	if strings.HasPrefix(path, deadLetterDetailPfx) {
		if strings.HasSuffix(path, "/replay") {
			return deadLetterDetailPfx + "{id}/replay"
		}
		return deadLetterDetailPfx + "{id}"
	}
	return path
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func statusForError(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeUnauthorized:
		return http.StatusForbidden
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeConfig:
		return http.StatusUnprocessableEntity
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErrorFrom(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+HeaderTenantID+", "+HeaderUserID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
