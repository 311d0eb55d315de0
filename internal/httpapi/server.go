package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/gateway"
	"github.com/ent0n29/companion/internal/memory"
	"github.com/ent0n29/companion/internal/observability"
	"github.com/ent0n29/companion/internal/session"
)

type Deps struct {
	Gateway  *gateway.Gateway
	Sessions *session.Manager
	Tokens   *session.TokenBroker
	Verifier gateway.Verifier
	Store    memory.Store
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

type Server struct {
	cfg      config.Config
	gw       *gateway.Gateway
	sessions *session.Manager
	tokens   *session.TokenBroker
	verifier gateway.Verifier
	store    memory.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := deps.Tokens
	if tokens == nil && deps.Sessions != nil {
		tokens = deps.Sessions.Tokens()
	}
	return &Server{
		cfg:      cfg,
		gw:       deps.Gateway,
		sessions: deps.Sessions,
		tokens:   tokens,
		verifier: deps.Verifier,
		store:    deps.Store,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers must come from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.accessLog)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/session/ws", s.handleSessionWS)
	r.Group(func(r chi.Router) {
		r.Use(s.requireSignature)
		r.Post("/v1/session", s.handleCreateSession)
		r.Get("/v1/session/{key}", s.handleGetSession)
		r.Post("/v1/session/{key}/end", s.handleEndSession)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.activeSessions(),
		"connections":     s.connections(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"pipeline_mode": s.cfg.PipelineMode,
		"store_mode":    s.storeMode(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.cfg.DefaultVoiceID
	}

	sess := s.sessions.Create(req.UserID, req.VoiceID)
	tok := s.tokens.Issue(sess.Key)
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionKey: sess.Key,
		WSToken:    tok.Value,
		ExpiresAt:  tok.ExpiresAt,
		VoiceID:    sess.VoiceID,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	sess, err := s.sessions.Get(key)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	_, connected := s.gw.Lookup(key)
	respondJSON(w, http.StatusOK, map[string]any{
		"session":   sess,
		"connected": connected,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if strings.TrimSpace(key) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_key", "missing session key")
		return
	}

	sess, err := s.gw.EndSession(key)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) activeSessions() int {
	if s.sessions == nil {
		return 0
	}
	return s.sessions.ActiveCount()
}

func (s *Server) connections() int {
	if s.gw == nil {
		return 0
	}
	return s.gw.Connections()
}

func (s *Server) storeMode() string {
	switch s.store.(type) {
	case nil:
		return "disabled"
	case *memory.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
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
