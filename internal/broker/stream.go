// stream.go implements the Alpaca trade-updates WebSocket feed.
//
// The feed authenticates, listens to the trade_updates stream, and
// forwards every order lifecycle event (new, fill, partial_fill,
// canceled, expired, rejected, replaced) as a broker-neutral
// types.OrderUpdate. It auto-reconnects with exponential backoff
// (1s -> 30s max); a read deadline detects silent server failures
// within ~2 missed pings. Missed events are repaired by the engine's
// reconcile pass, so a full buffer drops rather than blocks.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // keep-alive cadence
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	updateBufferSize = 256
)

// Stream maintains the authenticated trade-updates connection. It
// handles the connection lifecycle, the auth/listen handshake, and
// automatic reconnection with exponential backoff.
type Stream struct {
	url    string
	key    string
	secret string
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	updates chan types.OrderUpdate
}

// NewStream creates a trade-updates feed for the configured account.
func NewStream(cfg config.BrokerConfig, logger *slog.Logger) *Stream {
	return &Stream{
		url:     cfg.StreamURL,
		key:     cfg.APIKey,
		secret:  cfg.APISecret,
		logger:  logger.With("component", "stream"),
		updates: make(chan types.OrderUpdate, updateBufferSize),
	}
}

// OrderUpdates returns a read-only channel of order lifecycle events.
func (s *Stream) OrderUpdates() <-chan types.OrderUpdate { return s.updates }

// Run connects and maintains the feed with auto-reconnect. Blocks
// until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

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

// Close tears down the current connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.authenticate(); err != nil {
		return err
	}
	if err := s.listen(); err != nil {
		return err
	}

	s.logger.Info("stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := s.dispatch(msg); err != nil {
			return err
		}
	}
}

func (s *Stream) authenticate() error {
	return s.writeJSON(map[string]any{
		"action": "authenticate",
		"data": map[string]string{
			"key_id":     s.key,
			"secret_key": s.secret,
		},
	})
}

func (s *Stream) listen() error {
	return s.writeJSON(map[string]any{
		"action": "listen",
		"data": map[string][]string{
			"streams": {"trade_updates"},
		},
	})
}

// tradeUpdate is one trade_updates payload: the fill slice for this
// event plus the venue's cumulative view of the order.
type tradeUpdate struct {
	Event       string      `json:"event"`
	Price       string      `json:"price"`
	Qty         string      `json:"qty"`
	PositionQty string      `json:"position_qty"`
	Timestamp   *time.Time  `json:"timestamp"`
	Order       alpacaOrder `json:"order"`
}

// dispatch routes one inbound frame. Authorization failures abort the
// connection; everything else is forwarded or ignored.
func (s *Stream) dispatch(data []byte) error {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return nil
	}

	switch envelope.Stream {
	case "authorization":
		var auth struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(envelope.Data, &auth); err != nil {
			return nil
		}
		if auth.Status != "authorized" {
			return fmt.Errorf("stream authorization failed: %s", auth.Status)
		}
		s.logger.Info("stream authorized")

	case "listening":
		s.logger.Info("stream listening")

	case "trade_updates":
		var upd tradeUpdate
		if err := json.Unmarshal(envelope.Data, &upd); err != nil {
			s.logger.Error("unmarshal trade update", "error", err)
			return nil
		}
		out := types.OrderUpdate{
			Event:  upd.Event,
			Result: upd.Order.toResult(),
			At:     time.Now().UTC(),
		}
		if upd.Timestamp != nil {
			out.At = *upd.Timestamp
		}
		select {
		case s.updates <- out:
		default:
			s.logger.Warn("update channel full, dropping event",
				"event", upd.Event,
				"order_id", upd.Order.ID)
		}

	default:
		s.logger.Debug("unknown stream message", "stream", envelope.Stream)
	}
	return nil
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
