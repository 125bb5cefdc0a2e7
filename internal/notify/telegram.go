// Package notify delivers best-effort operator alerts. Delivery failures
// are logged and swallowed: alerting must never affect supervisor control
// flow.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stationops/keeper/pkg/config"
	"github.com/stationops/keeper/pkg/logging"
	"github.com/stationops/keeper/pkg/retry"
)

// Notifier is what the supervisor sees; tests substitute a recorder.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// errorLogLines is how much error-log context is attached to each alert.
const errorLogLines = 10

// TelegramNotifier posts alerts to a Telegram bot endpoint with bounded
// retries (3 attempts, 2s apart).
type TelegramNotifier struct {
	cfg    config.Telegram
	logger *logging.Logger
	client *http.Client

	// baseURL is swappable for tests.
	baseURL string

	// errorLogPath, when set, contributes the alert's log-tail context.
	errorLogPath string

	// hostInfo, when set, contributes a host telemetry line.
	hostInfo func() string

	attempts int
	delay    time.Duration

	// onResult observes delivery outcomes ("sent"/"failed") for metrics.
	onResult func(result string)
}

// Option configures a TelegramNotifier.
type Option func(*TelegramNotifier)

// WithErrorLog attaches the tail of the file at path to every alert.
func WithErrorLog(path string) Option {
	return func(n *TelegramNotifier) { n.errorLogPath = path }
}

// WithHostInfo appends the result of fn to every alert.
func WithHostInfo(fn func() string) Option {
	return func(n *TelegramNotifier) { n.hostInfo = fn }
}

// WithResultHook registers a delivery-outcome observer.
func WithResultHook(fn func(result string)) Option {
	return func(n *TelegramNotifier) { n.onResult = fn }
}

// New creates a notifier. A disabled config yields a notifier whose Notify
// is a no-op.
func New(cfg config.Telegram, logger *logging.Logger, opts ...Option) *TelegramNotifier {
	n := &TelegramNotifier{
		cfg:      cfg,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  "https://api.telegram.org",
		attempts: 3,
		delay:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

type sendMessageRequest struct {
	ChatID          string `json:"chat_id"`
	Text            string `json:"text"`
	MessageThreadID int    `json:"message_thread_id,omitempty"`
}

// Notify composes and delivers one alert. Exhausting the retry budget is
// logged, never escalated.
func (n *TelegramNotifier) Notify(ctx context.Context, message string) {
	if !n.cfg.Enabled {
		return
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:          n.cfg.ChatID,
		Text:            n.compose(message),
		MessageThreadID: n.cfg.TopicID,
	})
	if err != nil {
		n.logger.Error("Failed to encode notification", map[string]interface{}{"error": err.Error()})
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.cfg.Token)

	err = retry.Do(ctx, retry.Fixed(n.attempts, n.delay), func() error {
		return n.post(ctx, url, body)
	})
	if err != nil {
		n.logger.Error("Notification delivery failed", map[string]interface{}{"error": err.Error()})
		if n.onResult != nil {
			n.onResult("failed")
		}
		return
	}

	n.logger.Debug("Notification delivered")
	if n.onResult != nil {
		n.onResult("sent")
	}
}

func (n *TelegramNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// compose appends log-tail and host context to the operator message.
func (n *TelegramNotifier) compose(message string) string {
	var sb strings.Builder
	sb.WriteString(message)

	if n.hostInfo != nil {
		if line := n.hostInfo(); line != "" {
			sb.WriteString("\n")
			sb.WriteString(line)
		}
	}

	if n.errorLogPath != "" {
		lines, err := logging.Tail(n.errorLogPath, errorLogLines)
		if err != nil {
			n.logger.Debug("Could not read error log tail", map[string]interface{}{"error": err.Error()})
		} else if len(lines) > 0 {
			sb.WriteString("\n\nRecent errors:\n")
			sb.WriteString(strings.Join(lines, "\n"))
		}
	}

	return sb.String()
}
