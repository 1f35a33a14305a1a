package fanout

import (
	"context"
	"encoding/json"

	"fxpipeline/internal/cache"
)

// Relay routes bus messages to websocket clients. Price updates go only to
// clients subscribed to the instrument and may be shed under backpressure;
// alerts and data_ready are never shed. Correlation alerts reach clients
// subscribed to either side of the pair; data_ready reaches everyone.
func (h *Hub) Relay(ctx context.Context, messages <-chan cache.Message) {
	h.log.Info().Msg("relay started")
	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("relay stopped")
			return
		case msg, ok := <-messages:
			if !ok {
				h.log.Info().Msg("bus closed, relay stopped")
				return
			}
			h.route(msg)
		}
	}
}

func (h *Hub) route(msg cache.Message) {
	switch msg.Channel {
	case cache.ChannelPriceUpdates:
		instrument, ok := instrumentOf(msg.Payload)
		if !ok {
			h.log.Warn().Str("channel", msg.Channel).Msg("unroutable payload")
			return
		}
		h.broadcastFiltered(EvPriceUpdate, msg.Payload, true, func(c *Client) bool {
			return c.wants(instrument)
		})

	case cache.ChannelVolatilityAlerts:
		instrument, ok := instrumentOf(msg.Payload)
		if !ok {
			h.log.Warn().Str("channel", msg.Channel).Msg("unroutable payload")
			return
		}
		h.broadcastFiltered(EvVolatilityAlert, msg.Payload, false, func(c *Client) bool {
			return c.wants(instrument)
		})

	case cache.ChannelCorrelationAlerts:
		var pair struct {
			Pair1 string `json:"pair1"`
			Pair2 string `json:"pair2"`
		}
		if err := json.Unmarshal(msg.Payload, &pair); err != nil || pair.Pair1 == "" {
			h.log.Warn().Str("channel", msg.Channel).Msg("unroutable payload")
			return
		}
		h.broadcastFiltered(EvCorrelationAlert, msg.Payload, false, func(c *Client) bool {
			return c.wants(pair.Pair1) || c.wants(pair.Pair2)
		})

	case cache.ChannelDataReady:
		h.broadcastFiltered(EvDataReady, msg.Payload, false, nil)

	default:
		h.log.Warn().Str("channel", msg.Channel).Msg("unknown bus channel")
	}
}

func instrumentOf(payload []byte) (string, bool) {
	var probe struct {
		Instrument string `json:"instrument"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Instrument == "" {
		return "", false
	}
	return probe.Instrument, true
}
