package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrTransferActive is returned by Start while a transfer is outstanding.
	ErrTransferActive = errors.New("a transfer is already active")
	// ErrSessionInvalidated is returned by Start after Invalidate or Close.
	ErrSessionInvalidated = errors.New("transfer session invalidated")
	// ErrNoSink is returned by Start when no sink was set.
	ErrNoSink = errors.New("no event sink configured")
	// ErrNoConfirmLink means an HTML response had no recognizable download link.
	ErrNoConfirmLink = errors.New("no download link found in confirmation page")
)

// TransferError reports a failed transfer: network failure, non-success
// status, or a local write failure while receiving the body.
type TransferError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransferError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transfer of %s failed with HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transfer of %s failed: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// SessionInvalidError reports that the transfer session was torn down.
type SessionInvalidError struct {
	Err error
}

func (e *SessionInvalidError) Error() string {
	if e.Err == nil {
		return "transfer session became invalid"
	}
	return fmt.Sprintf("transfer session became invalid: %v", e.Err)
}

func (e *SessionInvalidError) Unwrap() error { return e.Err }
