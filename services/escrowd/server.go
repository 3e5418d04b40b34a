package main

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gigvault/gateway/auth"
	"gigvault/gateway/middleware"
	"gigvault/native/escrow"
	"gigvault/observability"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

// Server is the HTTP front-end for the settlement engine. Money-moving routes
// require HMAC-signed requests and an Idempotency-Key; admin routes require a
// JWT bearer token.
type Server struct {
	engine        *escrow.Engine
	authenticator *auth.Authenticator
	admin         *middleware.Authenticator
	limiter       *middleware.RateLimiter
	store         *SQLiteStore
	queue         *WebhookQueue
	hub           *EventHub
	logger        *slog.Logger
	metrics       *observability.EngineMetrics
	nowFn         func() time.Time
}

func NewServer(engine *escrow.Engine, authenticator *auth.Authenticator, admin *middleware.Authenticator, limiter *middleware.RateLimiter, store *SQLiteStore, queue *WebhookQueue, hub *EventHub, logger *slog.Logger) *Server {
	if engine == nil {
		panic("engine required")
	}
	if authenticator == nil {
		panic("authenticator required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if queue == nil {
		queue = NewWebhookQueue()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:        engine,
		authenticator: authenticator,
		admin:         admin,
		limiter:       limiter,
		store:         store,
		queue:         queue,
		hub:           hub,
		logger:        logger,
		metrics:       observability.Engine(),
		nowFn:         time.Now,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/ws/events", s.handleEventsWS)
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware("query"))
			}
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Get("/events", s.handleEvents)
		})
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware("settle"))
			}
			r.Post("/jobs", s.mutation("create_job", s.createJob))
			r.Post("/jobs/{id}/deposit", s.mutation("deposit_initial_payment", s.deposit))
			r.Post("/jobs/{id}/start", s.mutation("start_job", s.startJob))
			r.Post("/jobs/{id}/submit", s.mutation("submit_work", s.submitWork))
			r.Post("/jobs/{id}/approve", s.mutation("approve_and_pay_remaining", s.approve))
			r.Post("/jobs/{id}/dispute", s.mutation("initiate_dispute", s.dispute))
			r.Post("/jobs/{id}/resolve", s.mutation("resolve_dispute", s.resolve))
		})
		r.Route("/admin", func(r chi.Router) {
			if s.admin != nil {
				r.Use(s.admin.Middleware())
			}
			if s.limiter != nil {
				r.Use(s.limiter.Middleware("admin"))
			}
			r.Post("/fee", s.adminMutation("set_platform_fee", s.setFee))
			r.Post("/tokens", s.adminMutation("set_supported_token", s.setToken))
		})
	})
	return r
}

// jobPayload is the wire representation of a job.
type jobPayload struct {
	ID          uint64 `json:"id"`
	Client      string `json:"client"`
	Developer   string `json:"developer"`
	Token       string `json:"token"`
	TotalAmount string `json:"totalAmount"`
	PaidAmount  string `json:"paidAmount"`
	Status      string `json:"status"`
	Deadline    int64  `json:"deadline,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	DisputedBy  string `json:"disputedBy,omitempty"`
}

func jobToPayload(j *escrow.Job) jobPayload {
	payload := jobPayload{
		ID:          j.ID,
		Client:      common.Address(j.Client).Hex(),
		Developer:   common.Address(j.Developer).Hex(),
		Token:       j.Token,
		TotalAmount: j.TotalAmount.String(),
		PaidAmount:  j.PaidAmount.String(),
		Status:      j.Status.String(),
		Deadline:    j.Deadline,
		CreatedAt:   j.CreatedAt,
	}
	if j.DisputedBy != ([20]byte{}) {
		payload.DisputedBy = common.Address(j.DisputedBy).Hex()
	}
	return payload
}

// mutationFunc executes one engine operation and returns the success status
// and response payload.
type mutationFunc func(r *http.Request, caller [20]byte, body []byte) (int, interface{}, error)

// mutation wraps a money-moving handler with HMAC auth, idempotency replay,
// audit logging and metrics.
func (s *Server) mutation(op string, fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.nowFn()
		body, err := s.readRequestBody(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			s.observe(op, "rejected", start)
			return
		}
		principal, err := s.authenticator.Authenticate(r, body)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err)
			s.audit(r, nil, body, http.StatusUnauthorized, errorBody(err))
			s.observe(op, "unauthorized", start)
			return
		}
		caller, err := callerAddress(principal)
		if err != nil {
			s.writeError(w, http.StatusForbidden, err)
			s.audit(r, principal, body, http.StatusForbidden, errorBody(err))
			s.observe(op, "forbidden", start)
			return
		}

		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			err := errors.New("missing Idempotency-Key header")
			s.writeError(w, http.StatusBadRequest, err)
			s.audit(r, principal, body, http.StatusBadRequest, errorBody(err))
			s.observe(op, "rejected", start)
			return
		}
		requestHash := hashRequest(r.Method, auth.CanonicalRequestPath(r), body)
		cached, cacheErr := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
		if cacheErr != nil {
			status := http.StatusInternalServerError
			if errors.Is(cacheErr, ErrIdempotencyMismatch) {
				status = http.StatusConflict
			}
			s.writeError(w, status, cacheErr)
			s.audit(r, principal, body, status, errorBody(cacheErr))
			s.observe(op, "rejected", start)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			s.audit(r, principal, body, cached.Status, cached.Body)
			s.observe(op, "replayed", start)
			return
		}

		status, payload, err := fn(r, caller, body)
		if err != nil {
			status, kind := mapEngineError(err)
			s.writeError(w, status, err)
			s.audit(r, principal, body, status, errorBody(err))
			s.metrics.ObserveError(op, kind)
			s.observe(op, "error", start)
			return
		}
		data, err := json.Marshal(payload)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			s.audit(r, principal, body, http.StatusInternalServerError, errorBody(err))
			s.observe(op, "error", start)
			return
		}
		if err := s.store.SaveIdempotency(r.Context(), principal.APIKey, key, requestHash, status, data); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			s.audit(r, principal, body, http.StatusInternalServerError, errorBody(err))
			s.observe(op, "error", start)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(data)
		s.audit(r, principal, body, status, data)
		s.observe(op, "success", start)
	}
}

// adminMutation wraps an owner operation. Admin identity is established by
// the JWT middleware; the engine still checks the owner role by address.
func (s *Server) adminMutation(op string, fn func(body []byte) (int, interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.nowFn()
		body, err := s.readRequestBody(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			s.observe(op, "rejected", start)
			return
		}
		status, payload, err := fn(body)
		if err != nil {
			status, kind := mapEngineError(err)
			s.writeError(w, status, err)
			s.auditAdmin(r, body, status, errorBody(err))
			s.metrics.ObserveError(op, kind)
			s.observe(op, "error", start)
			return
		}
		data, err := json.Marshal(payload)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			s.observe(op, "error", start)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(data)
		s.auditAdmin(r, body, status, data)
		s.observe(op, "success", start)
	}
}

type createJobRequest struct {
	Client      string `json:"client"`
	Developer   string `json:"developer"`
	Token       string `json:"token"`
	TotalAmount string `json:"totalAmount"`
	Deadline    int64  `json:"deadline"`
}

func (s *Server) createJob(r *http.Request, caller [20]byte, body []byte) (int, interface{}, error) {
	var req createJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, &escrow.ValidationError{Op: "createJob", Reason: "invalid JSON payload"}
	}
	client, err := parseAddress("client", req.Client)
	if err != nil {
		return 0, nil, err
	}
	developer, err := parseAddress("developer", req.Developer)
	if err != nil {
		return 0, nil, err
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.TotalAmount), 10)
	if !ok {
		return 0, nil, &escrow.ValidationError{Op: "createJob", Reason: "totalAmount must be a decimal integer"}
	}
	job, err := s.engine.CreateJob(caller, client, developer, req.Token, amount, req.Deadline)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, jobToPayload(job), nil
}

func (s *Server) deposit(r *http.Request, caller [20]byte, _ []byte) (int, interface{}, error) {
	return s.jobAction(r, caller, s.engine.DepositInitialPayment)
}

func (s *Server) startJob(r *http.Request, caller [20]byte, _ []byte) (int, interface{}, error) {
	return s.jobAction(r, caller, s.engine.StartJob)
}

func (s *Server) submitWork(r *http.Request, caller [20]byte, _ []byte) (int, interface{}, error) {
	return s.jobAction(r, caller, s.engine.SubmitWork)
}

func (s *Server) approve(r *http.Request, caller [20]byte, _ []byte) (int, interface{}, error) {
	return s.jobAction(r, caller, s.engine.ApproveAndPayRemaining)
}

func (s *Server) dispute(r *http.Request, caller [20]byte, _ []byte) (int, interface{}, error) {
	return s.jobAction(r, caller, s.engine.InitiateDispute)
}

func (s *Server) jobAction(r *http.Request, caller [20]byte, action func(uint64, [20]byte) error) (int, interface{}, error) {
	id, err := jobID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := action(id, caller); err != nil {
		return 0, nil, err
	}
	job, err := s.engine.Job(id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, jobToPayload(job), nil
}

type resolveRequest struct {
	ClientShareBps uint32 `json:"clientShareBps"`
}

func (s *Server) resolve(r *http.Request, caller [20]byte, body []byte) (int, interface{}, error) {
	id, err := jobID(r)
	if err != nil {
		return 0, nil, err
	}
	var req resolveRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, &escrow.ValidationError{Op: "resolveDispute", Reason: "invalid JSON payload"}
	}
	if err := s.engine.ResolveDispute(id, caller, req.ClientShareBps); err != nil {
		return 0, nil, err
	}
	job, err := s.engine.Job(id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, jobToPayload(job), nil
}

type setFeeRequest struct {
	FeeBps uint32 `json:"feeBps"`
}

func (s *Server) setFee(body []byte) (int, interface{}, error) {
	var req setFeeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, &escrow.ValidationError{Op: "setPlatformFee", Reason: "invalid JSON payload"}
	}
	cfg, err := s.engine.Config()
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.SetPlatformFee(cfg.Owner, req.FeeBps); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]uint32{"feeBps": req.FeeBps}, nil
}

type setTokenRequest struct {
	Token   string `json:"token"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) setToken(body []byte) (int, interface{}, error) {
	var req setTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, &escrow.ValidationError{Op: "setSupportedToken", Reason: "invalid JSON payload"}
	}
	cfg, err := s.engine.Config()
	if err != nil {
		return 0, nil, err
	}
	if err := s.engine.SetSupportedToken(cfg.Owner, req.Token, req.Enabled); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{"token": strings.ToUpper(strings.TrimSpace(req.Token)), "enabled": req.Enabled}, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.engine.Job(id)
	if err != nil {
		status, _ := mapEngineError(err)
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToPayload(job))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.queue.Events()
	payload := make([]map[string]interface{}, 0, len(events))
	for _, evt := range events {
		payload = append(payload, map[string]interface{}{
			"sequence":   evt.Sequence,
			"type":       evt.Type,
			"jobId":      evt.JobID,
			"attributes": evt.Attributes,
			"timestamp":  evt.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": payload})
}

func jobID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &escrow.ValidationError{Op: "jobId", Reason: fmt.Sprintf("invalid job id %q", raw)}
	}
	return id, nil
}

func parseAddress(field, raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return [20]byte{}, &escrow.ValidationError{Op: "createJob", Reason: field + " must be a hex address"}
	}
	return common.HexToAddress(trimmed), nil
}

func callerAddress(principal *auth.Principal) ([20]byte, error) {
	account := strings.TrimSpace(principal.Account)
	if account == "" {
		return [20]byte{}, errors.New("api key is not bound to a platform account")
	}
	if !common.IsHexAddress(account) {
		return [20]byte{}, fmt.Errorf("api key account %q is not a hex address", account)
	}
	return common.HexToAddress(account), nil
}

// mapEngineError translates engine error kinds into transport codes.
func mapEngineError(err error) (int, string) {
	var validation *escrow.ValidationError
	var authorization *escrow.AuthorizationError
	var state *escrow.StateError
	var arithmetic *escrow.ArithmeticError
	switch {
	case errors.Is(err, escrow.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &validation):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &authorization):
		return http.StatusForbidden, "authorization"
	case errors.As(err, &state):
		return http.StatusConflict, "state"
	case errors.As(err, &arithmetic):
		return http.StatusUnprocessableEntity, "arithmetic"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRequestBody)
	}
	return data, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(err))
}

func errorBody(err error) []byte {
	body, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return body
}

func (s *Server) audit(r *http.Request, principal *auth.Principal, requestBody []byte, status int, responseBody []byte) {
	apiKey := ""
	caller := ""
	if principal != nil {
		apiKey = principal.APIKey
		caller = principal.Account
	}
	entry := AuditEntry{
		APIKey:         apiKey,
		Caller:         caller,
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
		s.logger.Warn("insert audit log", "error", err)
	}
}

func (s *Server) auditAdmin(r *http.Request, requestBody []byte, status int, responseBody []byte) {
	entry := AuditEntry{
		APIKey:         "admin",
		Method:         r.Method,
		Path:           auth.CanonicalRequestPath(r),
		RequestBody:    append([]byte(nil), requestBody...),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseStatus: status,
		Timestamp:      s.nowFn().UTC(),
	}
	if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
		s.logger.Warn("insert audit log", "error", err)
	}
}

func (s *Server) observe(op, outcome string, start time.Time) {
	s.metrics.ObserveRequest(op, outcome, s.nowFn().Sub(start))
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return fmt.Sprintf("%x", sum[:])
}
