// Package api is the HTTP boundary in front of the pull engine and the ledger.
// Identity arrives from the gateway in the X-User-ID and X-Wallet-Address
// headers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/wnt/fortuna/internal/errorx"
	"github.com/wnt/fortuna/internal/ledger"
	"github.com/wnt/fortuna/internal/logger"
	"github.com/wnt/fortuna/internal/models"
	"github.com/wnt/fortuna/internal/pull"
	"github.com/wnt/fortuna/internal/tiers"
)

const (
	headerUserID = "X-User-ID"
	headerWallet = "X-Wallet-Address"

	defaultLimit = 20
	maxLimit     = 100
)

// Server serves the fortuna HTTP API.
type Server struct {
	store  *ledger.Store
	engine *pull.Engine
	tables tiers.Tables
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates the API server.
func NewServer(store *ledger.Store, engine *pull.Engine, tables tiers.Tables, log zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		store:  store,
		engine: engine,
		tables: tables,
		now:    time.Now,
		logger: log.With().Str("component", "api").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// userHandler is an endpoint that needs the calling user.
type userHandler[Response any] func(ctx context.Context, user *models.User, r *http.Request) (Response, error)

func handle[Response any](s *Server, fn userHandler[Response]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.identify(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp, err := fn(r.Context(), user, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Handler returns the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /pull", handle(s, s.pull))
	mux.HandleFunc("GET /tickets", handle(s, s.tickets))
	mux.HandleFunc("GET /activities", handle(s, s.activities))
	mux.HandleFunc("GET /draws/upcoming", s.public(s.upcomingDraws))
	mux.HandleFunc("GET /winners", s.public(s.winners))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", headerUserID, headerWallet},
	}).Handler(mux)
}

func (s *Server) public(fn func(ctx context.Context, r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := fn(r.Context(), r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// identify upserts the caller when the gateway passes a wallet, otherwise it
// must already exist.
func (s *Server) identify(r *http.Request) (*models.User, error) {
	id := r.Header.Get(headerUserID)
	if id == "" {
		return nil, errorx.New(errorx.BadRequest, "missing "+headerUserID+" header")
	}
	if wallet := r.Header.Get(headerWallet); wallet != "" {
		return s.store.UpsertUser(r.Context(), id, wallet, s.now().UTC())
	}
	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return user, nil
}

type errorResponse struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var xerr *errorx.Error
	if !errors.As(err, &xerr) {
		xerr = errorx.Wrap(errorx.Internal, "internal error", err)
	}

	status := statusFor(xerr)
	log := s.logger
	if id := r.Header.Get(headerUserID); id != "" {
		log = logger.WithUser(log, id)
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	} else {
		log.Debug().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request rejected")
	}

	if xerr.Code == errorx.CooldownActive && xerr.Remaining > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(xerr.Remaining.Round(time.Second).Seconds())))
	}
	writeJSON(w, status, errorResponse{Code: int64(xerr.Code), Message: xerr.Message})
}

func statusFor(err *errorx.Error) int {
	switch err.Code {
	case errorx.UserNotFound, errorx.NotFound:
		return http.StatusNotFound
	case errorx.CooldownActive:
		return http.StatusTooManyRequests
	}
	switch err.Kind() {
	case errorx.KindValidation:
		return http.StatusBadRequest
	case errorx.KindConflict:
		return http.StatusConflict
	case errorx.KindTransient:
		return http.StatusServiceUnavailable
	case errorx.KindSettlement:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errorx.New(errorx.BadRequest, fmt.Sprintf("limit must be a positive integer, got %q", raw))
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}
