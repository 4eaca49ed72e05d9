package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/flitsinc/go-relay/internal/relay"
)

type DiagnosticsInfo struct {
	HTTPAddr    string `json:"http_addr"`
	DataDir     string `json:"data_dir"`
	Store       string `json:"store"`
	HistoryPath string `json:"history_path,omitempty"`
	DBPath      string `json:"db_path,omitempty"`
	WebDir      string `json:"web_dir"`
	Source      string `json:"source"` // "gateway", "inbox" or "none"
	GatewayURL  string `json:"gateway_url,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	Challenge   string `json:"challenge,omitempty"`
	InboxPath   string `json:"inbox_path,omitempty"`
	Fallback    string `json:"fallback,omitempty"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	Relay         relay.Status    `json:"relay"`
	Runtime       map[string]any  `json:"runtime"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		Relay:         s.Relay.Status(),
		Runtime: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"heap_alloc": mem.HeapAlloc,
			"num_gc":     mem.NumGC,
		},
	})
}
