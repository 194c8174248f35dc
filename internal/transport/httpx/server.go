// Package httpx is the HTTP rendition of the controller message bus:
// envelopes POSTed to /message/<type>, with health, info, and metrics
// endpoints alongside.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pdsno/pdsno/internal/envelope"
)

// Handler processes an inbound envelope and optionally returns a response
// envelope to be signed and sent back.
type Handler func(r *http.Request, env *envelope.Envelope) (*envelope.Envelope, error)

// ServerConfig configures a Server.
type ServerConfig struct {
	Logger       *slog.Logger
	ControllerID string
	Addr         string

	// Sign is applied to response envelopes; Verify to inbound ones.
	// Either may be nil (e.g. behind a TLS-terminating mesh in tests).
	Sign   func(*envelope.Envelope) error
	Verify func(*envelope.Envelope) error

	RequestTimeout time.Duration
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ControllerID == "" {
		return errors.New("controller id is required")
	}
	if cfg.Addr == "" {
		return errors.New("listen address is required")
	}
	return nil
}

// Server exposes a controller's handlers over HTTP.
type Server struct {
	log *slog.Logger
	cfg ServerConfig

	mu       sync.RWMutex
	handlers map[envelope.MessageType]Handler

	httpServer *http.Server
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		log:      cfg.Logger.With("controller_id", cfg.ControllerID),
		cfg:      cfg,
		handlers: make(map[envelope.MessageType]Handler),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Post("/message/{type}", s.handleMessage)
	r.Get("/health", s.handleHealth)
	r.Get("/info", s.handleInfo)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}
	return s, nil
}

// RegisterHandler installs a handler for a message type.
func (s *Server) RegisterHandler(msgType envelope.MessageType, h Handler) {
	s.mu.Lock()
	s.handlers[msgType] = h
	s.mu.Unlock()
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http transport listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServeTLS blocks serving TLS until Shutdown.
func (s *Server) ListenAndServeTLS(certFile, keyFile string) error {
	s.log.Info("http transport listening (tls)", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServeTLS(certFile, keyFile)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests via httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	typeParam := chi.URLParam(r, "type")
	env, err := decodeEnvelope(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if !strings.EqualFold(string(env.MessageType), typeParam) {
		writeDetail(w, http.StatusBadRequest,
			fmt.Sprintf("path type %q does not match envelope type %q", typeParam, env.MessageType))
		return
	}

	if s.cfg.Verify != nil {
		if err := s.cfg.Verify(env); err != nil {
			s.log.Warn("rejected unverifiable message",
				"message_id", env.MessageID, "sender_id", env.SenderID, "error", err)
			writeDetail(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	s.mu.RLock()
	h, ok := s.handlers[env.MessageType]
	s.mu.RUnlock()
	if !ok {
		writeDetail(w, http.StatusNotFound,
			fmt.Sprintf("no handler for %s", env.MessageType))
		return
	}

	resp, err := h(r, env)
	if err != nil {
		s.log.Error("handler failed", "message_type", env.MessageType, "error", err)
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if resp == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}
	if s.cfg.Sign != nil && resp.Signature == "" {
		if err := s.cfg.Sign(resp); err != nil {
			writeDetail(w, http.StatusInternalServerError, "response signing failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "ok",
		"controller_id": s.cfg.ControllerID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	types := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, string(t))
	}
	s.mu.RUnlock()
	sort.Strings(types)
	writeJSON(w, http.StatusOK, map[string]any{
		"controller_id": s.cfg.ControllerID,
		"handlers":      types,
	})
}

func decodeEnvelope(r *http.Request) (*envelope.Envelope, error) {
	defer r.Body.Close()
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return envelope.Unmarshal(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
