// feed.go implements the venue's account WebSocket feed.
//
// The feed pushes fill notifications and market resolutions for the
// custody wallet. It is a latency supplement: reconciliation remains the
// authoritative poll, so a dropped event is recovered on the next cycle.
// The feed auto-reconnects with exponential backoff (1s → 30s max) and a
// read deadline catches silent server failures within ~2 missed pings.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	fillBufferSize   = 64
)

// FillEvent is a push notification that one of our orders matched.
type FillEvent struct {
	EventType string `json:"event_type"` // "fill"
	OrderID   string `json:"order_id"`
	MarketID  string `json:"market_id"`
	TokenID   string `json:"token_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	MatchedAt string `json:"matched_at"`
}

// ResolutionEvent is a push notification that a market resolved.
type ResolutionEvent struct {
	EventType     string `json:"event_type"` // "market_resolved"
	MarketID      string `json:"market_id"`
	WinnerTokenID string `json:"winner_token_id"`
}

// Feed manages the account WebSocket connection: lifecycle, auth,
// message routing, and automatic reconnection.
type Feed struct {
	url    string
	auth   *Auth
	conn   *websocket.Conn
	connMu sync.Mutex

	fillCh       chan FillEvent
	resolutionCh chan ResolutionEvent

	logger *slog.Logger
}

// NewFeed creates the account feed.
func NewFeed(wsURL string, auth *Auth, logger *slog.Logger) *Feed {
	return &Feed{
		url:          wsURL,
		auth:         auth,
		fillCh:       make(chan FillEvent, fillBufferSize),
		resolutionCh: make(chan ResolutionEvent, fillBufferSize),
		logger:       logger.With("component", "venue_feed"),
	}
}

// Fills returns a read-only channel of fill notifications.
func (f *Feed) Fills() <-chan FillEvent { return f.fillCh }

// Resolutions returns a read-only channel of resolution notifications.
func (f *Feed) Resolutions() <-chan ResolutionEvent { return f.resolutionCh }

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// The subscribe message doubles as authentication.
	sub := map[string]any{
		"type": "account",
		"auth": f.auth.Headers("GET", "/ws/account", ""),
	}
	if err := f.writeJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) dispatchMessage(data []byte) {
	var peek struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		f.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}

	switch peek.EventType {
	case "fill":
		var evt FillEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal fill event", "error", err)
			return
		}
		select {
		case f.fillCh <- evt:
		default:
			f.logger.Warn("fill channel full, dropping event", "order_id", evt.OrderID)
		}

	case "market_resolved":
		var evt ResolutionEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal resolution event", "error", err)
			return
		}
		select {
		case f.resolutionCh <- evt:
		default:
			f.logger.Warn("resolution channel full, dropping event", "market", evt.MarketID)
		}

	default:
		f.logger.Debug("ignoring feed event", "type", peek.EventType)
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
