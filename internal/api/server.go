package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"replica-chaos/internal/events"
	"replica-chaos/internal/logger"
	"replica-chaos/internal/metrics"
	"replica-chaos/internal/scenario"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"
)

const (
	shutdownTimeout   = 5 * time.Second
	statusInterval    = time.Second
	readHeaderTimeout = time.Second
)

// Server はステータスAPIサーバー
type Server struct {
	addr     string
	engine   *scenario.Engine
	eventBus *events.Bus
	registry *metrics.Registry

	mu        sync.RWMutex
	wsClients map[*websocket.Conn]bool

	server *http.Server
}

// NewServer は新しいAPIサーバーを作成する。bus と reg は nil でもよい
func NewServer(addr string, engine *scenario.Engine, bus *events.Bus, reg *metrics.Registry) *Server {
	return &Server{
		addr:      addr,
		engine:    engine,
		eventBus:  bus,
		registry:  reg,
		wsClients: make(map[*websocket.Conn]bool),
	}
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/status", s.handleStatus)
	r.Get("/api/transfers", s.handleTransfers)
	r.Get("/api/metrics", s.handleMetrics)
	r.Get("/api/presets", s.handlePresets)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry.Gatherer(), promhttp.HandlerOpts{}))
	}
	r.Handle("/ws", websocket.Handler(s.handleWebSocket))

	return r
}

// Start はサーバーを開始し、ctx がキャンセルされるまでブロックする
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go s.forwardEvents(ctx)
	go s.statusLoop(ctx)

	logger.Info("", "API Server starting on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleTransfers(w http.ResponseWriter, _ *http.Request) {
	stats := s.engine.TransferStats()
	if stats == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "stats": stats})
}

// MetricsResponse はメトリクスレスポンス
type MetricsResponse struct {
	Rounds        uint64               `json:"rounds"`
	ChecksPassed  uint64               `json:"checks_passed"`
	ChecksFailed  uint64               `json:"checks_failed"`
	TotalCalls    uint64               `json:"total_calls"`
	FailedCalls   uint64               `json:"failed_calls"`
	RoundsPerSec  float64              `json:"rounds_per_sec"`
	DroppedEvents uint64               `json:"dropped_events"`
	Ops           []metrics.OpSnapshot `json:"ops"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.engine.Metrics()
	if snapshot == nil {
		http.Error(w, "Metrics not enabled", http.StatusNotFound)
		return
	}

	total, failed := snapshot.Calls()
	resp := MetricsResponse{
		Rounds:        snapshot.Rounds,
		ChecksPassed:  snapshot.ChecksPassed,
		ChecksFailed:  snapshot.ChecksFailed,
		TotalCalls:    total,
		FailedCalls:   failed,
		DroppedEvents: s.eventBus.Dropped(),
		Ops:           snapshot.Ops,
	}
	if secs := snapshot.Elapsed.Seconds(); secs > 0 {
		resp.RoundsPerSec = float64(snapshot.Rounds) / secs
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// PresetInfo はプリセット情報
type PresetInfo struct {
	Name        string `json:"name"`
	Workload    string `json:"workload"`
	Description string `json:"description"`
}

func (s *Server) handlePresets(w http.ResponseWriter, _ *http.Request) {
	var presets []PresetInfo
	for _, name := range scenario.ListPresets() {
		config, _ := scenario.GetPreset(name)
		presets = append(presets, PresetInfo{
			Name:        name,
			Workload:    string(config.Workload),
			Description: config.Description,
		})
	}
	s.writeJSON(w, http.StatusOK, presets)
}

// WebSocket handling
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// Keep connection alive
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

// ClientCount は接続中の WebSocket クライアント数を返す
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.wsClients)
}

func (s *Server) broadcast(data any) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

// forwardEvents はイベントバスのイベントを WebSocket クライアントに配信する
func (s *Server) forwardEvents(ctx context.Context) {
	if s.eventBus == nil {
		return
	}
	ch := s.eventBus.Subscribe()
	defer s.eventBus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(map[string]any{
				"type":  "event",
				"event": e,
			})
		}
	}
}

// statusLoop は実行中のステータスを定期的に配信する
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.engine.Status()
			if !status.Running {
				continue
			}
			s.broadcast(map[string]any{
				"type":   "status",
				"status": status,
			})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("", "Failed to encode JSON: %v", err)
	}
}
