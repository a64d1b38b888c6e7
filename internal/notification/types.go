package notification

import (
	"github.com/slipstream/bgdownload/internal/notification/types"
)

// Re-export types from the types sub-package
type (
	NotifierType = types.NotifierType
	Notifier     = types.Notifier
	Message      = types.Message
)

// Re-export constants
const (
	NotifierWebhook = types.NotifierWebhook
	NotifierInApp   = types.NotifierInApp
	NotifierLog     = types.NotifierLog
)

// Settings selects which notifiers are built.
type Settings struct {
	WebhookURL    string
	WebhookMethod string
	Log           bool
}

// TestResult reports the outcome of a notifier test.
type TestResult struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}
