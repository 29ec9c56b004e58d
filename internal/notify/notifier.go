// Package notify pushes consensus lifecycle alerts to external channels
// (Telegram, Discord). Alerting is best-effort: delivery failures are logged
// and never propagate into the consensus path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Event types emitted by the aggregator and operator runtimes.
const (
	EventConsensusFinalized = "consensus_finalized"
	EventConsensusFailed    = "consensus_failed"
	EventOperatorRegistered = "operator_registered"
	EventError              = "error"
)

// eventTitles maps event types to the human-facing alert title.
var eventTitles = map[string]string{
	EventConsensusFinalized: "Consensus finalized",
	EventConsensusFailed:    "Consensus FAILED",
	EventOperatorRegistered: "Operator registered",
	EventError:              "Error",
}

// Sender delivers one alert over one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to all configured senders, filtered by event
// type. An empty event list allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// New creates a Notifier delivering to the given senders.
func New(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify fans the alert out to every sender if the event type passes the
// filter. Sender failures are logged per channel; one channel failing never
// blocks the others.
func (n *Notifier) Notify(ctx context.Context, event, message string) {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return
	}

	title, ok := eventTitles[event]
	if !ok {
		title = event
	}

	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("event", event),
		)
	}
}

// postJSON is the shared webhook transport for the HTTP-based senders.
func postJSON(ctx context.Context, client *http.Client, name, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, respBody)
	}
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
