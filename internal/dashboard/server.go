package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lecca.io/scout-watchtower/internal/config"
	"lecca.io/scout-watchtower/internal/logger"
	"lecca.io/scout-watchtower/internal/processor"
	"lecca.io/scout-watchtower/internal/substrate"
)

const pushInterval = 3 * time.Second

type NodeSource interface {
	GetNodes() []*substrate.Node
}

// Server exposes the watchtower state as JSON, a websocket feed of state and
// log lines, and the Prometheus metrics.
type Server struct {
	cfg      *config.Config
	status   *processor.Status
	nodeMgr  NodeSource
	gatherer prometheus.Gatherer

	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]bool
	logChan  chan logger.LogEntry
	mu       sync.Mutex
}

// NewServer builds the server. A nil gatherer serves the default registry.
func NewServer(cfg *config.Config, status *processor.Status, nodeMgr NodeSource, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:      cfg,
		status:   status,
		nodeMgr:  nodeMgr,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
		logChan: make(chan logger.LogEntry, 100),
	}
}

func (s *Server) Start(ctx context.Context) {
	statusPort := s.cfg.Advanced.StatusPort
	promPort := s.cfg.Advanced.Prometheus.Port

	if statusPort > 0 {
		if !s.cfg.Advanced.HideLogs {
			logger.SetLogChannel(s.logChan)
			go s.handleLogs(ctx)
		}
		go s.pushState(ctx)
		go s.runServer(ctx, statusPort, func(mux *http.ServeMux) {
			s.routes(mux)
			if promPort == statusPort {
				mux.Handle("/metrics", s.metricsHandler())
			}
		})
	}

	if promPort > 0 && promPort != statusPort {
		go s.runServer(ctx, promPort, func(mux *http.ServeMux) {
			mux.Handle("/metrics", s.metricsHandler())
		})
	}
}

// Handler serves every route on one mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	mux.Handle("/metrics", s.metricsHandler())
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws", s.handleConnections)
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

func (s *Server) runServer(ctx context.Context, port int, setup func(*http.ServeMux)) {
	mux := http.NewServeMux()
	setup(mux)

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("HTTP", "Listening on %s", addr)

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
		logger.Info("HTTP", "Server on %s shutting down", addr)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("HTTP", "Server failed on %s: %v", addr, err)
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("HTTP", "websocket upgrade failed: %v", err)
		return
	}

	if state, err := s.stateJSON(); err == nil {
		conn.WriteMessage(websocket.TextMessage, state)
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	// the feed is one way; reading only detects the close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.drop(conn)
				return
			}
		}
	}()
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[conn] {
		delete(s.clients, conn)
		conn.Close()
	}
}

func (s *Server) broadcast(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		client.SetWriteDeadline(time.Now().Add(time.Second))
		if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
			client.Close()
			delete(s.clients, client)
		}
	}
}

// pushState sends the state to all clients whenever a new block is processed.
func (s *Server) pushState(ctx context.Context) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b := s.status.LastBlock(); b != last {
				last = b
				if state, err := s.stateJSON(); err == nil {
					s.broadcast(state)
				}
			}
		}
	}
}

func (s *Server) handleLogs(ctx context.Context) {
	type logMessage struct {
		Type      string `json:"type"`
		Timestamp string `json:"timestamp"`
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-s.logChan:
			msg, err := json.Marshal(logMessage{
				Type:      "log",
				Timestamp: entry.Timestamp,
				Level:     entry.Level,
				Component: entry.Component,
				Message:   entry.Message,
			})
			if err == nil {
				s.broadcast(msg)
			}
		}
	}
}

type nodeDTO struct {
	Label       string `json:"label"`
	WsURL       string `json:"ws_url"`
	Healthy     bool   `json:"healthy"`
	BlockHeight uint64 `json:"block_height"`
	Syncing     bool   `json:"syncing"`
	Peers       uint64 `json:"peers"`
	Latency     string `json:"latency"`
	LastError   string `json:"last_error,omitempty"`
	LastCheck   string `json:"last_check"`
}

type stateDTO struct {
	Type     string              `json:"type"`
	Ready    bool                `json:"ready"`
	Restarts uint64              `json:"restarts"`
	State    *processor.Snapshot `json:"state,omitempty"`
	Nodes    []nodeDTO           `json:"nodes"`
}

func (s *Server) stateJSON() ([]byte, error) {
	state := stateDTO{Type: "state", Restarts: s.status.Restarts(), Nodes: []nodeDTO{}}
	if snap, ok := s.status.Snapshot(); ok {
		state.Ready = true
		state.State = &snap
	}

	if s.nodeMgr != nil {
		for _, n := range s.nodeMgr.GetNodes() {
			st := n.GetStatus()
			dto := nodeDTO{
				Label:       n.Endpoint.Label,
				WsURL:       n.Endpoint.URL,
				Healthy:     st.Healthy,
				BlockHeight: st.BlockHeight,
				Syncing:     st.Syncing,
				Peers:       st.Peers,
				Latency:     st.Latency.String(),
				LastCheck:   st.LastCheck.Format(time.RFC3339),
			}
			if st.LastError != nil {
				dto.LastError = st.LastError.Error()
			}
			state.Nodes = append(state.Nodes, dto)
		}
	}
	return json.Marshal(state)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.stateJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(state)
}

// handleHealth reports 503 until the first block has been processed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.status.Snapshot(); !ok {
		http.Error(w, "initializing", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}
