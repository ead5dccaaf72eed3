// Package webhook exposes the HTTP endpoint through which external
// automations push proactive voice messages into the gateway.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voxgate/internal/channel"
	"github.com/MrWong99/voxgate/internal/observe"
)

const readHeaderTimeout = 10 * time.Second

// Deliverer routes a proactive message and reports the delivery method used.
type Deliverer interface {
	Deliver(ctx context.Context, text, mode, guildID, userID string) (string, error)
	SessionCount() int
}

var _ Deliverer = (*channel.Manager)(nil)

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithToken requires the given bearer token on every /speak request. An
// empty token leaves the endpoint unauthenticated.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithDefaultMode sets the delivery mode used when a request names none.
// Defaults to "auto".
func WithDefaultMode(mode string) Option {
	return func(s *Server) {
		if mode != "" {
			s.defaultMode = mode
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server receives proactive messages over HTTP and hands them to the
// channel manager.
type Server struct {
	addr        string
	token       string
	defaultMode string
	deliverer   Deliverer
	log         *slog.Logger

	srv *http.Server
}

// New creates a Server listening on addr once Start is called.
func New(addr string, d Deliverer, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		defaultMode: channel.ModeAuto,
		deliverer:   d,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table, exposed separately for tests. Every
// request passes through the tracing and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /speak", s.requireAuth(s.handleSpeak))
	mux.HandleFunc("GET /health", s.handleHealth)
	return observe.Middleware(observe.DefaultMetrics())(mux)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	if s.token == "" {
		s.log.Warn("webhook server starting without authentication")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("webhook: listen %s: %w", s.addr, err)
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("webhook server failed", "err", err)
		}
	}()
	s.log.Info("webhook server listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ─── Handlers ───

// speakRequest is the /speak payload. IDs arrive as strings or numbers
// depending on the sender, and cron-style senders nest the text inside a
// payload object.
type speakRequest struct {
	Text      string          `json:"text"`
	Message   string          `json:"message"`
	Mode      string          `json:"mode"`
	Priority  string          `json:"priority"`
	GuildID   json.RawMessage `json:"guild_id"`
	ChannelID json.RawMessage `json:"channel_id"`
	UserID    json.RawMessage `json:"user_id"`
	Payload   map[string]any  `json:"payload"`
}

// text extracts the message text from the supported payload shapes.
func (req *speakRequest) text() string {
	if t := strings.TrimSpace(req.Text); t != "" {
		return t
	}
	for _, key := range []string{"summary", "text", "content", "message"} {
		if v, ok := req.Payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(req.Message)
}

// idString normalizes a JSON string or number to its decimal form. Snowflake
// ids must not round-trip through float64.
func idString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	text := req.text()
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no text provided"})
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = s.defaultMode
	}
	switch mode {
	case channel.ModeAuto, channel.ModeLive, channel.ModeNotify, channel.ModeVoicemail:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid mode: %s", mode)})
		return
	}

	guildID := idString(req.GuildID)
	userID := idString(req.UserID)
	s.log.Info("proactive message received",
		"mode", mode, "priority", req.Priority,
		"guild_id", guildID, "user_id", userID, "chars", len(text))

	delivery, err := s.deliverer.Deliver(r.Context(), text, mode, guildID, userID)
	if err != nil {
		s.log.Warn("proactive delivery failed", "mode", mode, "err", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"delivery": delivery,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.deliverer.SessionCount(),
	})
}

// requireAuth enforces the bearer token on everything except /health.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			want := "Bearer " + s.token
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				s.log.Warn("webhook auth failure", "remote", r.RemoteAddr)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
