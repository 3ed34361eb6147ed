package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/gateway-fm/questrunner/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow requests without Origin header (same-origin or direct)
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// DefaultStreamInterval is the summary polling period of /v1/ws.
const DefaultStreamInterval = 2 * time.Second

// WebSocketServer streams the quest summary to connected clients whenever
// it changes.
type WebSocketServer struct {
	api      StatusAPI
	interval time.Duration
	logger   *slog.Logger

	// Connected clients
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	lastMu sync.Mutex
	last   *types.QuestSummary

	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(api StatusAPI, interval time.Duration, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultStreamInterval
	}
	return &WebSocketServer{
		api:      api,
		interval: interval,
		logger:   logger,
		clients:  make(map[*websocket.Conn]bool),
		done:     make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		// New clients get the latest snapshot right away. Reading it under
		// clientsMu orders it before any broadcast the client receives.
		ws.clientsMu.Lock()
		ws.lastMu.Lock()
		last := ws.last
		ws.lastMu.Unlock()
		if last != nil {
			if data, err := json.Marshal(last); err == nil {
				_ = conn.WriteMessage(websocket.TextMessage, data)
			}
		}
		ws.clients[conn] = true
		total := len(ws.clients)
		ws.clientsMu.Unlock()

		ws.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			ws.clientsMu.Unlock()
			conn.Close()
		}()

		// Read messages (mainly for ping/pong)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Start begins the summary polling goroutine.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop stops the WebSocket server.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() {
		close(ws.done)

		ws.clientsMu.Lock()
		for conn := range ws.clients {
			conn.Close()
		}
		ws.clients = make(map[*websocket.Conn]bool)
		ws.clientsMu.Unlock()
	})
}

func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(ws.interval)
	defer ticker.Stop()

	for {
		ws.poll()
		select {
		case <-ws.done:
			return
		case <-ticker.C:
		}
	}
}

// poll reads the summary and broadcasts it when it differs from the last one.
func (ws *WebSocketServer) poll() {
	if ws.api == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.interval)
	defer cancel()

	summary, err := ws.api.Summary(ctx)
	if err != nil {
		ws.logger.Debug("failed to read summary", slog.String("error", err.Error()))
		return
	}

	ws.lastMu.Lock()
	changed := ws.last == nil || !reflect.DeepEqual(*ws.last, *summary)
	ws.last = summary
	ws.lastMu.Unlock()

	if changed {
		ws.broadcast(summary)
	}
}

func (ws *WebSocketServer) broadcast(summary *types.QuestSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		ws.logger.Error("Failed to marshal summary", slog.String("error", err.Error()))
		return
	}

	// Writes hold the write lock: gorilla connections allow one writer.
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()

	for conn := range ws.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			ws.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
