package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/bgdownload/internal/notification/types"
	"github.com/slipstream/bgdownload/internal/retry"
)

const instanceName = "bgdownload"

// Settings contains webhook-specific configuration
type Settings struct {
	URL      string            `json:"url"`
	Method   string            `json:"method,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	EventType    string    `json:"eventType"`
	InstanceName string    `json:"instanceName"`
	Title        string    `json:"title,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Notifier sends notifications to a custom webhook endpoint
type Notifier struct {
	name       string
	settings   Settings
	httpClient *http.Client
	retry      retry.Config
	logger     zerolog.Logger
}

// New creates a new webhook notifier
func New(name string, settings Settings, httpClient *http.Client, logger zerolog.Logger) *Notifier {
	if settings.Method == "" {
		settings.Method = http.MethodPost
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Notifier{
		name:       name,
		settings:   settings,
		httpClient: httpClient,
		retry: retry.Config{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			MaxAttempts:  3,
		},
		logger:     logger.With().Str("notifier", "webhook").Str("name", name).Logger(),
	}
}

// SetRetry changes how unreachable endpoints are retried.
func (n *Notifier) SetRetry(cfg retry.Config) {
	n.retry = cfg
}

func (n *Notifier) Type() types.NotifierType {
	return types.NotifierWebhook
}

func (n *Notifier) Name() string {
	return n.name
}

func (n *Notifier) Test(ctx context.Context) error {
	payload := Payload{
		EventType:    "test",
		InstanceName: instanceName,
		Message:      "Test notification from bgdownload",
		Timestamp:    time.Now().UTC(),
	}
	return n.send(ctx, payload)
}

func (n *Notifier) Send(ctx context.Context, msg types.Message) error {
	payload := Payload{
		EventType:    "notification",
		InstanceName: instanceName,
		Title:        msg.Title,
		Message:      msg.Body,
		Timestamp:    msg.Timestamp,
	}
	// Network failures are retried within ctx; HTTP error statuses are not.
	return retry.WithRetry(ctx, "webhook "+n.name, n.retry, func() error {
		return n.send(ctx, payload)
	}, n.logger)
}

func (n *Notifier) send(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, n.settings.Method, n.settings.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	// Add basic auth if configured
	if n.settings.Username != "" && n.settings.Password != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(n.settings.Username + ":" + n.settings.Password))
		req.Header.Set("Authorization", "Basic "+auth)
	}

	for key, value := range n.settings.Headers {
		req.Header.Set(key, value)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Debug().Str("eventType", payload.EventType).Msg("Webhook delivered")
	return nil
}
