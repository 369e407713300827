package main

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"interpay/gateway/middleware"
	"interpay/observability"
	"interpay/pay"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
	quoteTimeout         = 15 * time.Second
)

// Server is the HTTP front-end for the payment coordinator.
type Server struct {
	quoter   *pay.Quoter
	executor *pay.PayExecutor
	store    *SQLiteStore
	logger   *slog.Logger
	metrics  *observability.PaymentMetrics
	bearer   string
	router   chi.Router
	nowFn    func() time.Time
}

// ServerConfig wires the HTTP layer.
type ServerConfig struct {
	BearerToken string
	RateLimit   middleware.RateLimit
	LogRequests bool
}

// NewServer builds the payd router around the coordinator components.
func NewServer(cfg ServerConfig, quoter *pay.Quoter, executor *pay.PayExecutor, store *SQLiteStore, logger *slog.Logger) *Server {
	if quoter == nil || executor == nil {
		panic("payment coordinator required")
	}
	if store == nil {
		panic("sqlite store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		quoter:   quoter,
		executor: executor,
		store:    store,
		logger:   logger,
		metrics:  observability.Payments(),
		bearer:   strings.TrimSpace(cfg.BearerToken),
		nowFn:    time.Now,
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   "payd",
		MetricsPrefix: "payd",
		LogRequests:   cfg.LogRequests,
		Enabled:       true,
	}, logger)
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"v1": cfg.RateLimit,
	}, logger)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())
	r.Route("/v1", func(sr chi.Router) {
		sr.Use(limiter.Middleware("v1"))
		sr.Use(s.requireBearer)
		sr.Use(obs.Middleware("v1"))
		sr.Post("/quotes", s.handleQuote)
		sr.Post("/payments", s.handlePay)
		sr.Get("/payments/{id}", s.handleGetPayment)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearer == "" {
			next.ServeHTTP(w, r)
			return
		}
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.bearer)) != 1 {
			s.writeError(w, http.StatusUnauthorized, errors.New("invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	start := s.nowFn()
	body, err := readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var req pay.PaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(r.Context(), quoteTimeout)
	defer cancel()
	params, err := s.quoter.QuoteRequest(ctx, req)
	if err != nil {
		var verr *pay.ValidationError
		if errors.As(err, &verr) {
			s.metrics.ObserveQuote("validation", time.Since(start))
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.metrics.ObserveQuote("ledger_error", time.Since(start))
		s.logger.Error("quote failed", "request_id", req.ID, "error", err)
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.metrics.ObserveQuote("ok", time.Since(start))
	s.writeJSON(w, http.StatusOK, params)
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	start := s.nowFn()
	body, err := readRequestBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	requestHash := hashRequest(r.Method, r.URL.Path, body)
	if idemKey != "" {
		cached, cacheErr := s.store.LookupIdempotency(r.Context(), idemKey, requestHash)
		if cacheErr != nil {
			status := http.StatusInternalServerError
			if errors.Is(cacheErr, ErrIdempotencyMismatch) {
				status = http.StatusConflict
			}
			s.writeError(w, status, cacheErr)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	var params pay.PaymentParams
	if err := json.Unmarshal(body, &params); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	record := PaymentRecord{
		ID:                 uuid.NewString(),
		RequestID:          params.DestinationMemo.RequestID,
		ExecutionCondition: params.ExecutionCondition,
		Status:             StatusPending,
		Params:             string(body),
		CreatedAt:          s.nowFn(),
	}
	if err := s.store.InsertPayment(r.Context(), record); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	done := s.metrics.PaymentStarted()
	fulfillment, payErr := s.executor.PayRequest(r.Context(), params)
	done()

	status, outcome := s.settle(r.Context(), record.ID, fulfillment, payErr)
	s.metrics.ObservePayment(outcome, time.Since(start))

	var payload []byte
	if payErr != nil {
		payload = errorBody(payErr)
	} else {
		payload, err = json.Marshal(map[string]string{
			"payment_id":  record.ID,
			"status":      StatusFulfilled,
			"fulfillment": fulfillment,
		})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if idemKey != "" {
		if err := s.store.SaveIdempotency(r.Context(), idemKey, requestHash, status, payload, s.nowFn()); err != nil {
			s.logger.Error("cache idempotent response", "key", idemKey, "error", err)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// settle maps the coordinator outcome onto the stored record and the HTTP
// status to return.
func (s *Server) settle(ctx context.Context, recordID, fulfillment string, payErr error) (int, string) {
	now := s.nowFn()
	switch {
	case payErr == nil:
		if err := s.store.SettlePayment(ctx, recordID, StatusFulfilled, fulfillment, "", now); err != nil {
			s.logger.Error("settle payment record", "payment_id", recordID, "error", err)
		}
		return http.StatusOK, "fulfilled"
	case errors.Is(payErr, pay.ErrTransferExpired):
		if err := s.store.SettlePayment(ctx, recordID, StatusExpired, "", payErr.Error(), now); err != nil {
			s.logger.Error("settle payment record", "payment_id", recordID, "error", err)
		}
		return http.StatusGatewayTimeout, "expired"
	default:
		var verr *pay.ValidationError
		if errors.As(payErr, &verr) {
			if err := s.store.SettlePayment(ctx, recordID, StatusFailed, "", payErr.Error(), now); err != nil {
				s.logger.Error("settle payment record", "payment_id", recordID, "error", err)
			}
			return http.StatusBadRequest, "validation"
		}
		if err := s.store.SettlePayment(ctx, recordID, StatusFailed, "", payErr.Error(), now); err != nil {
			s.logger.Error("settle payment record", "payment_id", recordID, "error", err)
		}
		return http.StatusBadGateway, "send_error"
	}
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, err := s.store.GetPayment(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, errors.New("payment not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
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

func readRequestBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRequestBody {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256(append([]byte(method+" "+path+"\n"), body...))
	return hex.EncodeToString(sum[:])
}
