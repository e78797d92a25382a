// Package gateway serves the HTTP control API: outbound sends on behalf of a
// session plus health and readiness probes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"voxscribe/pkg/bus"
	"voxscribe/pkg/config"
	"voxscribe/pkg/session"
)

const (
	defaultHost = config.DefaultGatewayHost
	defaultPort = config.DefaultGatewayPort

	maxSendBody = 1 << 20
)

// ErrSessionNotFound reports a send addressed to an unknown bot.
var ErrSessionNotFound = errors.New("session not found")

// Session is the part of a session supervisor the control API drives.
type Session interface {
	Key() string
	SendText(ctx context.Context, chat string, text string) error
	Status() session.Status
}

// SendRequest is the body of POST /send.
type SendRequest struct {
	Bot  string `json:"bot"`
	JID  string `json:"jid"`
	Text string `json:"text"`
}

type statusResponse struct {
	Status        string                              `json:"status"`
	UptimeSeconds int64                               `json:"uptime_seconds"`
	Sessions      []session.Status                    `json:"sessions"`
	Events        map[string]map[bus.EventType]uint64 `json:"events,omitempty"`
}

// Server routes control requests to sessions by key.
type Server struct {
	cfg      config.GatewayConfig
	sessions map[string]Session
	order    []string
	bus      *bus.EventBus
	log      *slog.Logger

	mu        sync.RWMutex
	startedAt time.Time
	addr      string
}

// NewServer builds a control server over sessions. Keys must be unique.
func NewServer(cfg config.GatewayConfig, sessions []Session, eb *bus.EventBus, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	byKey := make(map[string]Session, len(sessions))
	order := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if _, ok := byKey[s.Key()]; ok {
			return nil, fmt.Errorf("duplicate session key %q", s.Key())
		}
		byKey[s.Key()] = s
		order = append(order, s.Key())
	}

	return &Server{
		cfg:       cfg,
		sessions:  byKey,
		order:     order,
		bus:       eb,
		log:       log.With("component", "gateway.server"),
		startedAt: time.Now().UTC(),
	}, nil
}

// Handler returns the control API routes. Anything unrouted is a plain 404.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/send" && r.Method == http.MethodPost:
			s.handleSend(w, r)
		case r.URL.Path == "/healthz" && r.Method == http.MethodGet:
			s.respondStatus(w, http.StatusOK, "ok")
		case r.URL.Path == "/readyz" && r.Method == http.MethodGet:
			s.handleReady(w)
		default:
			writeText(w, http.StatusNotFound, "Not found")
		}
	})
}

// Send delivers text to jid through the bot's live connection.
func (s *Server) Send(ctx context.Context, req SendRequest) error {
	target, ok := s.sessions[req.Bot]
	if !ok {
		return ErrSessionNotFound
	}

	return target.SendText(ctx, req.JID, req.Text)
}

// Run listens until ctx is cancelled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen control api: %w", err)
	}

	return s.Serve(ctx, listener)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Control API started", "address", listener.Addr().String(), "sessions", strings.Join(s.order, ","))
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve control api: %w", err)
	}

	return nil
}

// Addr is the configured bind address, or the bound one once serving.
func (s *Server) Addr() string {
	s.mu.RLock()
	bound := s.addr
	s.mu.RUnlock()
	if bound != "" {
		return bound
	}

	return ListenAddr(s.cfg)
}

// ListenAddr resolves host and port with defaults.
func ListenAddr(cfg config.GatewayConfig) string {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = defaultHost
	}

	port := cfg.Port
	if port <= 0 {
		port = defaultPort
	}

	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := s.log.With("request_id", requestID)
	w.Header().Set("X-Request-Id", requestID)

	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBody)).Decode(&req); err != nil {
		log.Warn("Rejected send request", "error", err)
		writeText(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := s.Send(r.Context(), req)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		log.Warn("Send for unknown bot", "bot", req.Bot)
		writeText(w, http.StatusNotFound, "Bot not found")
	case err != nil:
		log.Error("Send failed", "bot", req.Bot, "jid", req.JID, "error", err)
		writeText(w, http.StatusInternalServerError, err.Error())
	default:
		log.Info("Message sent", "bot", req.Bot, "jid", req.JID)
		writeText(w, http.StatusOK, "OK")
	}
}

func (s *Server) handleReady(w http.ResponseWriter) {
	if s.isReady() {
		s.respondStatus(w, http.StatusOK, "ready")
		return
	}

	s.respondStatus(w, http.StatusServiceUnavailable, "not_ready")
}

func (s *Server) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Server) currentStatus(status string) statusResponse {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	sessions := make([]session.Status, 0, len(s.order))
	for _, key := range s.order {
		sessions = append(sessions, s.sessions[key].Status())
	}

	var events map[string]map[bus.EventType]uint64
	if s.bus != nil {
		events = s.bus.Counts()
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		Sessions:      sessions,
		Events:        events,
	}
}

// isReady reports whether at least one session holds an open connection.
func (s *Server) isReady() bool {
	for _, key := range s.order {
		if s.sessions[key].Status().State == session.StateOpen {
			return true
		}
	}

	return false
}

func writeText(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(body))
}
