package fanout

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// outboundQueueSize bounds the per-client queue. Overflow evicts the
	// oldest pending price_update; alerts and control replies are never
	// evicted.
	outboundQueueSize = 256

	// slowConsumerLimit closes a client once this many of its messages have
	// been dropped.
	slowConsumerLimit = 1000

	readLimit     = 4096
	writeDeadline = 10 * time.Second
)

// outMsg is one queued outbound frame.
type outMsg struct {
	event     string
	payload   []byte
	droppable bool
}

// Client is a single websocket peer with its subscription set and bounded
// outbound queue.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	log  zerolog.Logger

	mu       sync.Mutex
	queue    []outMsg
	notify   chan struct{}
	closed   bool
	dropped  uint64
	subs     map[string]bool
	wildcard bool
}

// enqueue appends a frame, evicting the oldest droppable frame when the
// queue is full. Returns false when the client is closed or was closed here
// as a slow consumer.
func (c *Client) enqueue(event string, payload []byte, droppable bool) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}

	if len(c.queue) >= outboundQueueSize {
		evicted := false
		for i := range c.queue {
			if c.queue[i].droppable {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted && droppable {
			// Queue full of undroppable frames; shed the incoming update.
			c.dropped++
			over := c.dropped >= slowConsumerLimit
			c.mu.Unlock()
			c.hub.noteDrop("queue_full")
			if over {
				c.hub.closeSlowConsumer(c)
			}
			return !over
		}
		if evicted {
			c.dropped++
			c.hub.noteDrop("evicted_oldest")
		}
	}

	c.queue = append(c.queue, outMsg{event: event, payload: payload, droppable: droppable})
	over := c.dropped >= slowConsumerLimit
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	if over {
		c.hub.closeSlowConsumer(c)
		return false
	}
	return true
}

// send marshals v into an envelope and queues it.
func (c *Client) send(event string, v interface{}, droppable bool) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Str("event", event).Err(err).Msg("marshal outbound")
		return
	}
	c.enqueue(event, data, droppable)
}

// drain pops all queued frames.
func (c *Client) drain() []outMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

// markClosed flips the closed flag once; further enqueues are no-ops.
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// writePump writes queued frames and keep-alive pings until the client goes
// away.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.notify:
			for _, msg := range c.drain() {
				c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				frame, err := json.Marshal(Envelope{Event: msg.event, Data: msg.payload})
				if err != nil {
					continue
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
				c.hub.noteSent()
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.pingTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump dispatches inbound envelopes until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	readWait := c.hub.pingInterval + c.hub.pingTimeout
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(readWait + c.hub.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readWait + c.hub.pingInterval))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.send(EvSubscriptionError, subscriptionError{Message: "malformed envelope"}, false)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.Event {
	case EvSubscribe:
		c.handleSubscribe(env.Data)
	case EvUnsubscribe:
		c.handleUnsubscribe(env.Data)
	case EvGetSubscriptions:
		c.send(EvSubscriptionsInfo, c.subscriptionState(), false)
	case EvRequestPrice:
		c.handleRequestPrice(env.Data)
	case EvRequestAllPrices:
		c.handleRequestAllPrices()
	case EvGetServerStats:
		c.send(EvServerStats, c.hub.Stats(), false)
	case EvPing:
		c.send(EvPong, map[string]int64{"server_time": time.Now().UnixMilli()}, false)
	default:
		c.send(EvSubscriptionError, subscriptionError{Message: "unknown event " + env.Event}, false)
	}
}

func (c *Client) handleSubscribe(data json.RawMessage) {
	var payload subscribePayload
	if err := json.Unmarshal(data, &payload); err != nil || len(payload.Pairs) == 0 {
		c.send(EvSubscriptionError, subscriptionError{Message: "pairs list required"}, false)
		return
	}

	var invalid []string
	wildcard := false
	valid := make([]string, 0, len(payload.Pairs))
	for _, p := range payload.Pairs {
		if p == Wildcard {
			wildcard = true
			continue
		}
		if !c.hub.cfg.Tracked(p) {
			invalid = append(invalid, p)
			continue
		}
		valid = append(valid, p)
	}
	if len(invalid) > 0 {
		c.send(EvSubscriptionError, subscriptionError{
			Message:      "unknown pairs",
			InvalidPairs: invalid,
		}, false)
		return
	}

	c.mu.Lock()
	if wildcard {
		c.wildcard = true
	}
	for _, p := range valid {
		c.subs[p] = true
	}
	c.mu.Unlock()

	state := c.subscriptionState()
	c.send(EvSubscriptionConfirmed, subscriptionConfirmed(state), false)
}

func (c *Client) handleUnsubscribe(data json.RawMessage) {
	var payload subscribePayload
	if err := json.Unmarshal(data, &payload); err != nil || len(payload.Pairs) == 0 {
		c.send(EvSubscriptionError, subscriptionError{Message: "pairs list required"}, false)
		return
	}

	c.mu.Lock()
	for _, p := range payload.Pairs {
		if p == Wildcard {
			c.wildcard = false
			c.subs = make(map[string]bool)
			continue
		}
		delete(c.subs, p)
	}
	c.mu.Unlock()

	state := c.subscriptionState()
	c.send(EvUnsubscriptionConfirmed, subscriptionConfirmed(state), false)
}

// subsCount is this client's subscription weight for server stats. A
// wildcard counts as the whole tracked universe.
func (c *Client) subsCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wildcard {
		return len(c.hub.cfg.TrackedPairs)
	}
	return len(c.subs)
}

func (c *Client) subscriptionState() subscriptionsInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	pairs := make([]string, 0, len(c.subs))
	for p := range c.subs {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	return subscriptionsInfo{Pairs: pairs, Wildcard: c.wildcard, Count: len(pairs)}
}

// wants reports whether this client should receive messages for the
// instrument.
func (c *Client) wants(instrument string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wildcard || c.subs[instrument]
}

func (c *Client) handleRequestPrice(data json.RawMessage) {
	var payload requestPricePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Pair == "" {
		c.send(EvPriceError, priceError{Message: "pair required"}, false)
		return
	}
	if !c.hub.cfg.Tracked(payload.Pair) {
		c.send(EvPriceError, priceError{Pair: payload.Pair, Message: "unknown pair"}, false)
		return
	}

	raw, ok, err := c.hub.latestPrice(context.Background(), payload.Pair)
	if err != nil {
		c.send(EvPriceError, priceError{Pair: payload.Pair, Message: "cache unavailable"}, false)
		return
	}
	if !ok {
		c.send(EvPriceError, priceError{Pair: payload.Pair, Message: "no cached price"}, false)
		return
	}
	c.enqueue(EvPriceResponse, raw, false)
}

func (c *Client) handleRequestAllPrices() {
	resp := allPricesResponse{Prices: make(map[string]json.RawMessage)}
	for _, name := range c.hub.cfg.PairNames() {
		raw, ok, err := c.hub.latestPrice(context.Background(), name)
		if err != nil || !ok {
			resp.Missed = append(resp.Missed, name)
			continue
		}
		resp.Prices[name] = raw
	}
	resp.Count = len(resp.Prices)
	c.send(EvAllPricesResponse, resp, false)
}
