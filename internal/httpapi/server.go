// Package httpapi exposes the conversation pipeline over HTTP and a chat
// websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/chatrelay/internal/config"
	"github.com/antoniostano/chatrelay/internal/contextcache"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/pipeline"
)

// Conversations is the pipeline surface the handlers need.
type Conversations interface {
	ProcessTurn(ctx context.Context, req pipeline.TurnRequest) (pipeline.TurnResult, error)
	ClearContext(ctx context.Context, userID string) (pipeline.ContextSnapshot, error)
	DeleteContext(ctx context.Context, userID string) (bool, error)
	ContextSnapshot(ctx context.Context, userID string) (pipeline.ContextSnapshot, error)
	CacheStats(ctx context.Context) contextcache.Stats
}

type Options struct {
	StoreMode string
	Stages    *observability.StageWindow
	Logger    *slog.Logger
}

type Server struct {
	cfg           config.Config
	conversations Conversations
	metrics       *observability.Metrics
	stages        *observability.StageWindow
	storeMode     string
	logger        *slog.Logger
	upgrader      websocket.Upgrader
}

func New(cfg config.Config, conversations Conversations, metrics *observability.Metrics, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		cfg:           cfg,
		conversations: conversations,
		metrics:       metrics,
		stages:        opts.Stages,
		storeMode:     opts.StoreMode,
		logger:        opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.AllowAnyOrigin || sameOrigin(r)
			},
		},
	}
}

// sameOrigin allows requests without an Origin header (non-browser
// clients) and browser requests from the serving host.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Route("/v1/context", func(r chi.Router) {
		r.Get("/", s.handleGetContext)
		r.Delete("/", s.handleDeleteContext)
		r.Post("/clear", s.handleClearContext)
		r.Get("/stats", s.handleContextStats)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeModeOrDefault(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.conversations == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "conversation pipeline not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeModeOrDefault(),
	})
}

func (s *Server) storeModeOrDefault() string {
	if mode := strings.TrimSpace(s.storeMode); mode != "" {
		return mode
	}
	return "in-memory"
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// turnError maps a pipeline error to an HTTP status and error body.
func turnError(err error) (int, errorResponse) {
	var upstream *pipeline.UpstreamError
	switch {
	case errors.Is(err, pipeline.ErrEmptyMessage):
		return http.StatusBadRequest, errorResponse{Code: "empty_message", Error: err.Error()}
	case errors.Is(err, pipeline.ErrMissingUser):
		return http.StatusUnauthorized, errorResponse{Code: "invalid_credentials", Error: err.Error()}
	case errors.Is(err, pipeline.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorResponse{Code: "invalid_credentials", Error: err.Error()}
	case errors.Is(err, pipeline.ErrTimeout):
		return http.StatusGatewayTimeout, errorResponse{Code: "upstream_timeout", Error: err.Error(), Retryable: true}
	case errors.As(err, &upstream):
		return http.StatusBadGateway, errorResponse{Code: "upstream_error", Error: err.Error(), Retryable: upstream.Retryable()}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, errorResponse{Code: "canceled", Error: err.Error(), Retryable: true}
	default:
		return http.StatusInternalServerError, errorResponse{Code: "internal_error", Error: err.Error()}
	}
}
