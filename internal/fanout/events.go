package fanout

import "encoding/json"

// Envelope is the wire format in both directions: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events.
const (
	EvSubscribe        = "subscribe"
	EvUnsubscribe      = "unsubscribe"
	EvGetSubscriptions = "get_subscriptions"
	EvRequestPrice     = "request_price"
	EvRequestAllPrices = "request_all_prices"
	EvGetServerStats   = "get_server_stats"
	EvPing             = "ping"
)

// Outbound events.
const (
	EvConnectionEstablished   = "connection_established"
	EvSubscriptionConfirmed   = "subscription_confirmed"
	EvUnsubscriptionConfirmed = "unsubscription_confirmed"
	EvSubscriptionError       = "subscription_error"
	EvSubscriptionsInfo       = "subscriptions_info"
	EvPriceUpdate             = "price_update"
	EvVolatilityAlert         = "volatility_alert"
	EvCorrelationAlert        = "correlation_alert"
	EvDataReady               = "data_ready"
	EvPriceResponse           = "price_response"
	EvPriceError              = "price_error"
	EvAllPricesResponse       = "all_prices_response"
	EvServerStats             = "server_stats"
	EvPong                    = "pong"
)

// Wildcard subscribes a client to every tracked instrument.
const Wildcard = "*"

// subscribePayload is the data of subscribe and unsubscribe requests. Pairs
// may contain instrument names or the wildcard.
type subscribePayload struct {
	Pairs []string `json:"pairs"`
}

// requestPricePayload is the data of request_price.
type requestPricePayload struct {
	Pair string `json:"pair"`
}

type connectionEstablished struct {
	ClientID      string   `json:"client_id"`
	TrackedPairs  []string `json:"tracked_pairs"`
	PairCount     int      `json:"pair_count"`
	MaxClients    int      `json:"max_clients"`
	ActiveClients int      `json:"active_clients"`
}

type subscriptionConfirmed struct {
	Pairs    []string `json:"pairs"`
	Wildcard bool     `json:"wildcard"`
	Count    int      `json:"count"`
}

type subscriptionError struct {
	Message      string   `json:"message"`
	InvalidPairs []string `json:"invalid_pairs,omitempty"`
}

type subscriptionsInfo struct {
	Pairs    []string `json:"pairs"`
	Wildcard bool     `json:"wildcard"`
	Count    int      `json:"count"`
}

type priceError struct {
	Pair    string `json:"pair"`
	Message string `json:"message"`
}

type allPricesResponse struct {
	Prices map[string]json.RawMessage `json:"prices"`
	Count  int                        `json:"count"`
	Missed []string                   `json:"missed,omitempty"`
}

// ServerStats is the get_server_stats response, also served on /stats.
type ServerStats struct {
	ActiveClients        int     `json:"active_clients"`
	MaxClients           int     `json:"max_clients"`
	TrackedPairs         int     `json:"tracked_pairs"`
	TotalSubscriptions   int     `json:"total_subscriptions"`
	AverageSubsPerClient float64 `json:"average_subs_per_client"`
	MessagesSent         uint64  `json:"messages_sent"`
	MessagesDropped      uint64  `json:"messages_dropped"`
	UptimeSeconds        int64   `json:"uptime_seconds"`
}
