package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// ObservationHandler is invoked for every streamed price observation.
type ObservationHandler func(ctx context.Context, obs domain.PriceObservation)

// WSFeed connects to a feed's WebSocket endpoint, subscribes to the
// configured pairs, and pushes each tick to the handler. It reconnects with
// backoff on disconnect.
type WSFeed struct {
	name      string
	wsURL     string
	pairs     []domain.TokenPair
	onObs     ObservationHandler
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSFeed creates a streaming feed for the given pairs.
func NewWSFeed(name, wsURL string, pairs []domain.TokenPair, onObs ObservationHandler, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		name:   name,
		wsURL:  wsURL,
		pairs:  pairs,
		onObs:  onObs,
		logger: logger.With(slog.String("component", "ws_feed"), slog.String("feed", name)),
		done:   make(chan struct{}),
	}
}

// subscribeMsg is the subscription request sent after connecting.
type subscribeMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// tickMsg is one streamed price update.
type tickMsg struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Decimals  int    `json:"decimals,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
}

// Run connects and streams until ctx is cancelled or Close is called.
func (f *WSFeed) Run(ctx context.Context) error {
	if len(f.pairs) == 0 {
		f.logger.Info("no active pairs to stream, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		if err := f.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("ws feed disconnected, reconnecting", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("pricefeed %s: dial ws: %w", f.name, err)
	}
	defer conn.Close()

	symbols := make([]string, 0, len(f.pairs))
	bySymbol := make(map[string]domain.TokenPair, len(f.pairs))
	for _, p := range f.pairs {
		symbols = append(symbols, p.Symbol)
		bySymbol[p.Symbol] = p
	}
	if err := conn.WriteJSON(subscribeMsg{Type: "subscribe", Symbols: symbols}); err != nil {
		return fmt.Errorf("pricefeed %s: subscribe: %w", f.name, err)
	}
	f.logger.Info("ws feed subscribed", slog.Int("pairs", len(symbols)))

	// Unblock ReadMessage when the context is cancelled.
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pricefeed %s: read: %w", f.name, err)
		}

		var tick tickMsg
		if err := json.Unmarshal(data, &tick); err != nil {
			f.logger.Warn("malformed tick, skipping", slog.String("error", err.Error()))
			continue
		}

		pair, ok := bySymbol[tick.Symbol]
		if !ok {
			continue
		}

		price, err := parsePayloadPrice(priceResponse{
			Price:    tick.Price,
			Decimals: tick.Decimals,
		})
		if err != nil {
			f.logger.Warn("invalid tick price, skipping",
				slog.String("symbol", tick.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		source := tick.Source
		if source == "" {
			source = f.name
		}
		observedAt := time.Now()
		if tick.Timestamp > 0 {
			observedAt = time.Unix(tick.Timestamp, 0)
		}

		f.onObs(ctx, domain.PriceObservation{
			Token0:     pair.Token0,
			Token1:     pair.Token1,
			Price:      price,
			Source:     source,
			ObservedAt: observedAt,
		})
	}
}

// Close stops the feed.
func (f *WSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
