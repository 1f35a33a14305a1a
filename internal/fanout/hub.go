// Package fanout is the websocket fan-out server: it relays the bus channels
// to connected clients, filtered by per-client instrument subscriptions.
package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"fxpipeline/internal/cache"
	"fxpipeline/config"
	"fxpipeline/internal/metrics"
)

// PriceReader is the cache surface the hub needs for price requests.
type PriceReader interface {
	GetJSON(ctx context.Context, key string, out interface{}) (bool, error)
}

// Hub owns the client registry and the upgrade endpoint.
type Hub struct {
	cfg     *config.Config
	reader  PriceReader
	metrics *metrics.Metrics
	log     zerolog.Logger

	pingInterval time.Duration
	pingTimeout  time.Duration

	mu      sync.RWMutex
	clients map[*Client]bool

	started time.Time
	sent    uint64
	drops   uint64

	upgrader websocket.Upgrader
}

// NewHub creates the hub. Metrics may be nil.
func NewHub(cfg *config.Config, reader PriceReader, m *metrics.Metrics, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:          cfg,
		reader:       reader,
		metrics:      m,
		log:          log.With().Str("component", "fanout").Logger(),
		pingInterval: cfg.FanoutPingInterval,
		pingTimeout:  cfg.FanoutPingTimeout,
		clients:      make(map[*Client]bool),
		started:      time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the connection and registers the client. Connections past
// the capacity limit are rejected before the upgrade.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	count := len(h.clients)
	h.mu.RUnlock()
	if count >= h.cfg.FanoutMaxClients {
		if h.metrics != nil {
			h.metrics.FanoutRejects.Inc()
		}
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		hub:    h,
		notify: make(chan struct{}, 1),
		subs:   make(map[string]bool),
	}
	client.log = h.log.With().Str("client_id", client.id).Logger()

	h.mu.Lock()
	h.clients[client] = true
	active := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.FanoutClients.Set(float64(active))
	}
	client.log.Info().Int("active", active).Msg("client connected")

	client.send(EvConnectionEstablished, connectionEstablished{
		ClientID:      client.id,
		TrackedPairs:  h.cfg.PairNames(),
		PairCount:     len(h.cfg.TrackedPairs),
		MaxClients:    h.cfg.FanoutMaxClients,
		ActiveClients: active,
	}, false)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	active := len(h.clients)
	h.mu.Unlock()

	c.markClosed()
	if h.metrics != nil {
		h.metrics.FanoutClients.Set(float64(active))
	}
	c.log.Info().Int("active", active).Msg("client disconnected")
}

// closeSlowConsumer disconnects a client that keeps falling behind.
func (h *Hub) closeSlowConsumer(c *Client) {
	c.log.Warn().Msg("closing slow consumer")
	h.removeClient(c)
	c.conn.Close()
}

func (h *Hub) noteSent() {
	atomic.AddUint64(&h.sent, 1)
	if h.metrics != nil {
		h.metrics.FanoutMessagesSent.Inc()
	}
}

func (h *Hub) noteDrop(reason string) {
	atomic.AddUint64(&h.drops, 1)
	if h.metrics != nil {
		h.metrics.FanoutDropsTotal.WithLabelValues(reason).Inc()
	}
}

func (h *Hub) latestPrice(ctx context.Context, instrument string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	ok, err := h.reader.GetJSON(ctx, cache.PriceKey(instrument), &raw)
	return raw, ok, err
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats snapshots the server counters.
func (h *Hub) Stats() ServerStats {
	h.mu.RLock()
	active := len(h.clients)
	totalSubs := 0
	for c := range h.clients {
		totalSubs += c.subsCount()
	}
	h.mu.RUnlock()

	avg := 0.0
	if active > 0 {
		avg = float64(totalSubs) / float64(active)
	}
	return ServerStats{
		ActiveClients:        active,
		MaxClients:           h.cfg.FanoutMaxClients,
		TrackedPairs:         len(h.cfg.TrackedPairs),
		TotalSubscriptions:   totalSubs,
		AverageSubsPerClient: avg,
		MessagesSent:         atomic.LoadUint64(&h.sent),
		MessagesDropped:      atomic.LoadUint64(&h.drops),
		UptimeSeconds:        int64(time.Since(h.started).Seconds()),
	}
}

// HandleStats serves the counters as JSON on /stats.
func (h *Hub) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Stats())
}

// broadcastFiltered delivers a frame to clients that pass the filter.
func (h *Hub) broadcastFiltered(event string, payload []byte, droppable bool, filter func(*Client) bool) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if filter == nil || filter(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(event, payload, droppable)
	}
}
