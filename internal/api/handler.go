package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipepmaragno/rag-gateway/internal/auth"
	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/gateway"
	"github.com/felipepmaragno/rag-gateway/internal/metrics"
	"github.com/felipepmaragno/rag-gateway/internal/ratelimit"
	"github.com/felipepmaragno/rag-gateway/internal/stream"
)

const maxBodyBytes = 8 << 20

type HandlerConfig struct {
	Gateway  *gateway.Gateway
	Auth     *auth.Authenticator
	Limiter  ratelimit.Limiter
	Checkers []HealthChecker
	Version  string
}

type Handler struct {
	gw      *gateway.Gateway
	version string
	router  chi.Router
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		gw:      cfg.Gateway,
		version: cfg.Version,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", handleHealthLive)
	r.Get("/health/ready", handleHealthReadyWithCheckers(cfg.Checkers, 5*time.Second, cfg.Version))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth.Middleware(writeError))
		r.With(rateLimit(cfg.Limiter)).Post("/api/v1/llm", h.handleAction)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin(writeError))
			r.Get("/quota/{user}", h.getUserQuota)
			r.Post("/quota/{user}/reset", h.resetUserQuota)
			r.Get("/usage/{user}", h.getUserUsage)
			r.Get("/breakers", h.getBreakers)
		})
	})

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// requestID honours an incoming X-Request-Id and otherwise assigns a UUID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(middleware.RequestIDHeader, id)
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(gateway.WithRequestID(r.Context(), id)))
	})
}

type envelope struct {
	Action string `json:"action"`
	Debug  bool   `json:"debug"`
}

type tokenCountRequest struct {
	Model string   `json:"model"`
	Text  []string `json:"text"`
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	caller, _ := gateway.CallerFromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, fmt.Errorf("%w: read body: %v", domain.ErrValidation, err))
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}

	var (
		resp  any
		model string
		sink  *sseSink
	)

	switch env.Action {
	case "ListModels":
		resp = map[string]any{"models": h.gw.ListModels(ctx)}

	case "Chat":
		var req gateway.ChatRequest
		if err = decode(body, &req); err == nil {
			model = req.Model.Name
			sink = &sseSink{w: w}
			resp, err = h.gw.Chat(ctx, caller, req, sink)
		}

	case "TokenCount":
		var req tokenCountRequest
		if err = decode(body, &req); err == nil {
			model = req.Model
			var counts []int
			counts, err = h.gw.TokenCount(ctx, req.Model, req.Text)
			resp = map[string]any{"tokens": counts}
		}

	case "Quota":
		var snap domain.QuotaSnapshot
		snap, err = h.gw.Quota(ctx, caller)
		resp = map[string]any{"quota": snap}

	case "Context":
		var req gateway.ContextRequest
		if err = decode(body, &req); err == nil {
			resp, err = h.gw.Context(ctx, req)
		}

	case "Answer":
		var req gateway.AnswerRequest
		if err = decode(body, &req); err == nil {
			model = req.Model.Name
			resp, err = h.gw.Answer(ctx, caller, req)
		}

	default:
		err = &domain.UnsupportedError{What: fmt.Sprintf("action %q not implemented", env.Action)}
	}

	status := "ok"
	if err != nil {
		status = domain.ErrorType(err)
	}
	metrics.RecordRequest(env.Action, model, status, time.Since(start).Seconds())

	if err != nil {
		slog.Warn("request failed",
			"request_id", gateway.RequestID(ctx),
			"user", caller.User,
			"action", env.Action,
			"model", model,
			"error", err,
		)
		if sink != nil && sink.began {
			// headers are gone; the client sees the stream end without a stop frame
			return
		}
		writeError(w, err)
		return
	}

	if chat, ok := resp.(*gateway.ChatResponse); ok && chat.Streamed {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decode(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
	}
	return nil
}

// sseSink opens the event stream lazily so that failures before the first
// byte can still be answered with a JSON error.
type sseSink struct {
	w     http.ResponseWriter
	sse   *stream.SSEWriter
	began bool
}

func (s *sseSink) Begin(status int) {
	sse, err := stream.NewSSEWriter(s.w)
	if err != nil {
		slog.Error("response writer cannot stream", "error", err)
		return
	}
	s.sse = sse
	s.began = true
	sse.Begin(status)
}

func (s *sseSink) WriteFrame(f stream.Frame) error {
	if s.sse == nil {
		return errors.New("event stream not open")
	}
	return s.sse.WriteFrame(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := domain.StatusCode(err)
	var soe *gateway.StreamOpenError
	if errors.As(err, &soe) && soe.Status >= 400 {
		status = soe.Status
	}

	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    domain.ErrorType(err),
			"code":    status,
		},
	})
}
