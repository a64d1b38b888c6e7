package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogNotifier writes notifications to the application log.
type LogNotifier struct {
	name   string
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(name string, logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{
		name:   name,
		logger: logger.With().Str("notifier", "log").Str("name", name).Logger(),
	}
}

func (n *LogNotifier) Type() NotifierType {
	return NotifierLog
}

func (n *LogNotifier) Name() string {
	return n.name
}

func (n *LogNotifier) Test(ctx context.Context) error {
	n.logger.Info().Msg("Test notification from bgdownload")
	return nil
}

func (n *LogNotifier) Send(_ context.Context, msg Message) error {
	n.logger.Info().
		Str("title", msg.Title).
		Str("body", msg.Body).
		Msg("Notification")
	return nil
}
