// Package types contains shared type definitions for notification packages.
package types

import (
	"context"
	"time"
)

// NotifierType identifies a notification provider
type NotifierType string

const (
	NotifierWebhook NotifierType = "webhook"
	NotifierInApp   NotifierType = "inapp"
	NotifierLog     NotifierType = "log"
)

// Notifier is the interface all notification providers must implement
type Notifier interface {
	Type() NotifierType
	Name() string
	Test(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
}

// Message is a user-facing notification.
type Message struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}
