// events.go maps 1:1 to the JSON messages on the market-feed WebSocket and
// the Data API. The feed delivers either a single event object or an array
// of events; every event carries event_type and a token-id keyed payload.
package types

// WS event type discriminators.
const (
	EventTypeBook           = "book"
	EventTypePriceChange    = "price_change"
	EventTypeTrade          = "trade"
	EventTypeTickSizeChange = "tick_size_change"
	EventTypeLastTradePrice = "last_trade_price"
)

// PriceLevel is a single bid or ask level. Price and Size are strings
// because the upstream returns them as strings to preserve precision.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// WSBookEvent is a full order book snapshot for one token.
type WSBookEvent struct {
	EventType string       `json:"event_type"`
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition id
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// WSPriceChange is one level update inside a price_change event.
//
// The size field here is book depth at the level, not a filled taker
// amount. It must never be scored as a trade size.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// WSPriceChangeEvent is a batched incremental book update.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification on the market channel. The taker
// address may be absent; such events cannot be fingerprinted and are only
// useful as priority-fetch prompts.
type WSTradeEvent struct {
	EventType string `json:"event_type"`
	ID        string `json:"id"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"` // condition id
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Outcome   string `json:"outcome"`
	Taker     string `json:"taker_address,omitempty"`
	TxHash    string `json:"transaction_hash,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WSTickSizeChangeEvent announces a tick-size change for a token.
type WSTickSizeChangeEvent struct {
	EventType   string `json:"event_type"`
	AssetID     string `json:"asset_id"`
	Market      string `json:"market"`
	OldTickSize string `json:"old_tick_size"`
	NewTickSize string `json:"new_tick_size"`
	Timestamp   string `json:"timestamp"`
}

// WSLastTradePriceEvent carries the most recent trade price for a token.
type WSLastTradePriceEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Side      string `json:"side"`
	Timestamp string `json:"timestamp"`
}

// WSSubscribeMsg is the market-channel subscription message. On reconnect
// the feed re-sends the full current token-id set in one of these.
type WSSubscribeMsg struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"` // always "market"
}

// OrderBookSnapshot is a point-in-time view of one token's book, used by
// the detector's liquidity impact method.
type OrderBookSnapshot struct {
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"`
	Bids      []PriceLevel `json:"bids"` // sorted best first
	Asks      []PriceLevel `json:"asks"` // sorted best first
	Hash      string       `json:"hash"`
	Timestamp string       `json:"timestamp"`
}

// DataTrade is the Data API's trade shape (pull source). The proxy wallet
// is the observed on-chain address; forensics resolves it to the signer.
type DataTrade struct {
	ID              string  `json:"id"`
	ConditionID     string  `json:"conditionId"`
	Asset           string  `json:"asset"` // token id
	Side            string  `json:"side"`
	Outcome         string  `json:"outcome"`
	Size            string  `json:"size"`
	Price           string  `json:"price"`
	ProxyWallet     string  `json:"proxyWallet"`
	Timestamp       int64   `json:"timestamp"` // seconds or ms, see ingest
	TransactionHash string  `json:"transactionHash"`
	Title           string  `json:"title"`
	SizeUSD         float64 `json:"sizeUsd,omitempty"`
}
