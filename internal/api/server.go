package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/flitsinc/go-relay/internal/chat"
	"github.com/flitsinc/go-relay/internal/eventbus"
	"github.com/flitsinc/go-relay/internal/relay"
)

const maxBodyBytes = 64 << 10

// Relay is the part of the coordinator the HTTP surface needs.
type Relay interface {
	HandleOutbound(ctx context.Context, text, origin string) (chat.Message, error)
	Attach(sub eventbus.Subscriber) string
	Detach(id string)
	Reply(id string, evt eventbus.Event) bool
	Clear(ctx context.Context)
	History() chat.Snapshot
	Status() relay.Status
	GatewayConnected() bool
}

type Server struct {
	Relay Relay
	// Web serves the browser UI for every path the API does not claim.
	Web            http.Handler
	AllowedOrigins []string
	Logger         zerolog.Logger
	StartedAt      time.Time
	Info           DiagnosticsInfo
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(s.Logger))
	r.Use(chimw.Recoverer)
	if len(s.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/chat", s.handleChatWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(MaxBodySize(maxBodyBytes))
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		})
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/diagnostics", s.handleDiagnostics)
		r.Get("/chat/history", s.handleHistory)
		r.Post("/chat/send", s.handleSend)
		r.Post("/chat/clear", s.handleClear)
	})

	if s.Web != nil {
		r.NotFound(s.Web.ServeHTTP)
	}
	r.MethodNotAllowed(writeMethodNotAllowed)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Relay.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	snap := s.Relay.History()
	if snap.Messages == nil {
		snap.Messages = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, snap)
}

type sendRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The send outlives a disconnecting HTTP client once started.
	msg, err := s.Relay.HandleOutbound(context.WithoutCancel(r.Context()), req.Text, "http")
	switch {
	case errors.Is(err, relay.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Empty message"})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "error",
			"error":   err.Error(),
			"message": msg,
		})
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "message": msg})
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.Relay.Clear(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

// originPatterns turns CORS origins into the host patterns the websocket
// origin check expects.
func originPatterns(origins []string) (patterns []string, allowAll bool) {
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return nil, true
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		if o != "" {
			patterns = append(patterns, o)
		}
	}
	return patterns, false
}
