// feed.go is the market-feed WebSocket client. One multiplexed connection
// carries every subscribed token; the reader goroutine parses events and
// dispatches them synchronously to the registered handlers, so handlers must
// only enqueue work.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-sentinel/pkg/types"
)

// Feed connection states.
const (
	FeedDisconnected = "disconnected"
	FeedConnecting   = "connecting"
	FeedOpen         = "open"
	FeedSubscribed   = "subscribed"
	FeedReconnecting = "reconnecting"
	FeedFailed       = "failed"
)

const (
	feedPingInterval  = 30 * time.Second
	feedPongWait      = 5 * time.Second
	feedWriteWait     = 10 * time.Second
	feedReconnectBase = time.Second
	feedReconnectCap  = 60 * time.Second
)

// FeedHandlers holds the per-event-type callbacks. Nil entries drop the
// event type. Handlers run on the reader goroutine.
type FeedHandlers struct {
	OnBook           func(types.WSBookEvent)
	OnPriceChange    func(types.WSPriceChangeEvent)
	OnTrade          func(types.WSTradeEvent)
	OnTickSizeChange func(types.WSTickSizeChangeEvent)
	OnLastTradePrice func(types.WSLastTradePriceEvent)
}

// Feed maintains the market-channel WebSocket connection and its
// subscription set across reconnects.
type Feed struct {
	url         string
	maxAttempts int
	handlers    FeedHandlers
	dialer      *websocket.Dialer
	logger      *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	stateMu    sync.Mutex
	state      string
	subscribed map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed creates a disconnected feed. Connect starts it.
func NewFeed(url string, maxReconnectAttempts int, handlers FeedHandlers, logger *slog.Logger) *Feed {
	if maxReconnectAttempts <= 0 {
		maxReconnectAttempts = 10
	}
	return &Feed{
		url:         url,
		maxAttempts: maxReconnectAttempts,
		handlers:    handlers,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:      logger.With("component", "feed"),
		state:       FeedDisconnected,
		subscribed:  make(map[string]struct{}),
	}
}

// State returns the current connection state, for the health snapshot.
func (f *Feed) State() string {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.state
}

func (f *Feed) setState(state string) {
	f.stateMu.Lock()
	if f.state != state {
		f.logger.Info("feed state change", "from", f.state, "to", state)
		f.state = state
	}
	f.stateMu.Unlock()
}

// SubscribedTokens returns a copy of the current token-id set.
func (f *Feed) SubscribedTokens() []string {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	out := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		out = append(out, id)
	}
	return out
}

// Connect dials the feed, starts the reader and ping loops, and sends the
// initial subscription if tokens were already registered. Fatal at startup
// when the first dial fails.
func (f *Feed) Connect(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	f.setState(FeedConnecting)
	if err := f.dial(); err != nil {
		f.setState(FeedFailed)
		close(f.done)
		return err
	}

	go f.readLoop()
	go f.pingLoop()
	return nil
}

// dial establishes the connection and replays the full subscription set in
// one batched message.
func (f *Feed) dial() error {
	conn, _, err := f.dialer.DialContext(f.ctx, f.url, nil)
	if err != nil {
		return types.NewFault(types.KindTransport, "feed.dial", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(feedPingInterval + feedPongWait))
	})
	conn.SetReadDeadline(time.Now().Add(feedPingInterval + feedPongWait))

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	f.setState(FeedOpen)

	tokens := f.SubscribedTokens()
	if len(tokens) > 0 {
		if err := f.sendSubscribe(tokens); err != nil {
			return err
		}
		f.setState(FeedSubscribed)
	}
	return nil
}

// Subscribe adds token ids to the set and announces them upstream. The set
// mutation happens regardless of send outcome so a reconnect repairs a
// failed send.
func (f *Feed) Subscribe(tokenIDs ...string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	f.stateMu.Lock()
	added := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if _, ok := f.subscribed[id]; !ok {
			f.subscribed[id] = struct{}{}
			added = append(added, id)
		}
	}
	f.stateMu.Unlock()

	if len(added) == 0 {
		return nil
	}
	if err := f.sendSubscribe(added); err != nil {
		return err
	}
	f.setState(FeedSubscribed)
	return nil
}

// Unsubscribe removes token ids from the set. The upstream keeps sending
// until reconnect; dispatch filters events for unknown tokens.
func (f *Feed) Unsubscribe(tokenIDs ...string) {
	f.stateMu.Lock()
	for _, id := range tokenIDs {
		delete(f.subscribed, id)
	}
	f.stateMu.Unlock()
}

func (f *Feed) sendSubscribe(tokenIDs []string) error {
	msg := types.WSSubscribeMsg{AssetIDs: tokenIDs, Type: "market"}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return types.NewFault(types.KindTransport, "feed.subscribe", fmt.Errorf("not connected"))
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	if err := f.conn.WriteJSON(msg); err != nil {
		return types.NewFault(types.KindTransport, "feed.subscribe", err)
	}
	f.logger.Info("subscribed", "tokens", len(tokenIDs))
	return nil
}

// readLoop owns the connection read side. On read failure it tears down the
// connection and runs the reconnect policy.
func (f *Feed) readLoop() {
	defer close(f.done)
	for {
		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			f.logger.Warn("feed read failed", "error", err)
			if !f.reconnect() {
				return
			}
			continue
		}
		f.dispatch(data)
	}
}

// pingLoop sends a ping every interval; a missed pong surfaces as a read
// deadline error in the read loop, which triggers reconnect.
func (f *Feed) pingLoop() {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.done:
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			f.connMu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("feed ping failed", "error", err)
			}
		}
	}
}

// reconnect retries the dial with exponential backoff capped at 60s. It
// reports false when attempts are exhausted (state: failed) or the feed is
// shutting down.
func (f *Feed) reconnect() bool {
	f.closeConn()
	f.setState(FeedReconnecting)

	backoff := feedReconnectBase
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		select {
		case <-f.ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := f.dial(); err != nil {
			f.logger.Warn("feed reconnect failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > feedReconnectCap {
				backoff = feedReconnectCap
			}
			continue
		}
		f.logger.Info("feed reconnected", "attempt", attempt)
		return true
	}

	f.logger.Error("feed reconnect attempts exhausted", "attempts", f.maxAttempts)
	f.setState(FeedFailed)
	return false
}

// dispatch parses one frame (a single event object or an array of them) and
// routes each event by its event_type discriminator.
func (f *Feed) dispatch(data []byte) {
	var events []json.RawMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			f.logger.Warn("unparseable feed frame", "error", err)
			return
		}
	} else {
		events = []json.RawMessage{data}
	}

	for _, raw := range events {
		var head struct {
			EventType string `json:"event_type"`
			AssetID   string `json:"asset_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			f.logger.Warn("unparseable feed event", "error", err)
			continue
		}
		if head.AssetID != "" && !f.isSubscribed(head.AssetID) {
			continue // late events for an unsubscribed token
		}

		switch head.EventType {
		case types.EventTypeBook:
			if f.handlers.OnBook == nil {
				continue
			}
			var ev types.WSBookEvent
			if json.Unmarshal(raw, &ev) == nil {
				f.handlers.OnBook(ev)
			}
		case types.EventTypePriceChange:
			if f.handlers.OnPriceChange == nil {
				continue
			}
			var ev types.WSPriceChangeEvent
			if json.Unmarshal(raw, &ev) == nil {
				f.handlers.OnPriceChange(ev)
			}
		case types.EventTypeTrade:
			if f.handlers.OnTrade == nil {
				continue
			}
			var ev types.WSTradeEvent
			if json.Unmarshal(raw, &ev) == nil {
				f.handlers.OnTrade(ev)
			}
		case types.EventTypeTickSizeChange:
			if f.handlers.OnTickSizeChange == nil {
				continue
			}
			var ev types.WSTickSizeChangeEvent
			if json.Unmarshal(raw, &ev) == nil {
				f.handlers.OnTickSizeChange(ev)
			}
		case types.EventTypeLastTradePrice:
			if f.handlers.OnLastTradePrice == nil {
				continue
			}
			var ev types.WSLastTradePriceEvent
			if json.Unmarshal(raw, &ev) == nil {
				f.handlers.OnLastTradePrice(ev)
			}
		default:
			f.logger.Debug("unknown feed event type", "event_type", head.EventType)
		}
	}
}

func (f *Feed) isSubscribed(tokenID string) bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	_, ok := f.subscribed[tokenID]
	return ok
}

func (f *Feed) closeConn() {
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.connMu.Unlock()
}

// Close stops the loops and closes the connection.
func (f *Feed) Close() {
	if f.cancel != nil {
		f.cancel()
	}
	f.closeConn()
	if f.done != nil {
		<-f.done
	}
	f.setState(FeedDisconnected)
}
