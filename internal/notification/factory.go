package notification

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/bgdownload/internal/notification/inapp"
	"github.com/slipstream/bgdownload/internal/notification/webhook"
)

// Factory creates Notifier instances from Settings
type Factory struct {
	httpClient *http.Client
	logger     zerolog.Logger
	hub        inapp.Broadcaster
}

// NewFactory creates a new notification factory
func NewFactory(logger zerolog.Logger) *Factory {
	return &Factory{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With().Str("component", "notification-factory").Logger(),
	}
}

// SetHub makes Create include an in-app notifier that pushes to hub.
func (f *Factory) SetHub(hub inapp.Broadcaster) {
	f.hub = hub
}

// SetHTTPClient overrides the client used by the webhook notifier.
func (f *Factory) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// Create builds every notifier enabled by settings.
func (f *Factory) Create(settings Settings) []Notifier {
	var notifiers []Notifier

	if f.hub != nil {
		n := inapp.New("ui", f.logger)
		n.SetBroadcaster(f.hub)
		notifiers = append(notifiers, n)
	}

	if settings.WebhookURL != "" {
		notifiers = append(notifiers, webhook.New("webhook", webhook.Settings{
			URL:    settings.WebhookURL,
			Method: settings.WebhookMethod,
		}, f.httpClient, f.logger))
	}

	if settings.Log {
		notifiers = append(notifiers, NewLogNotifier("log", f.logger))
	}

	f.logger.Debug().Int("count", len(notifiers)).Msg("Created notifiers")
	return notifiers
}
