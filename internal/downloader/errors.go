package downloader

import (
	"errors"
	"fmt"

	"github.com/slipstream/bgdownload/internal/progress"
	"github.com/slipstream/bgdownload/internal/schedulestore"
	"github.com/slipstream/bgdownload/internal/scheduler"
	"github.com/slipstream/bgdownload/internal/transfer"
)

var (
	// ErrStopped is returned when the service event loop is no longer running.
	ErrStopped = errors.New("download service stopped")
	// ErrInvalidDelay is returned by ScheduleDownload for negative delays.
	ErrInvalidDelay = errors.New("delay must not be negative")
)

// FilesystemError reports a failure while placing the downloaded artifact.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// errorKind classifies err for the Failed state.
func errorKind(err error) progress.ErrorKind {
	var (
		fsErr      *FilesystemError
		sessionErr *transfer.SessionInvalidError
		schedErr   *scheduler.SchedulingError
	)
	switch {
	case errors.As(err, &fsErr):
		return progress.ErrorKindFilesystem
	case errors.As(err, &sessionErr), errors.Is(err, transfer.ErrSessionInvalidated):
		return progress.ErrorKindSessionInvalid
	case errors.As(err, &schedErr):
		return progress.ErrorKindScheduling
	default:
		return progress.ErrorKindTransfer
	}
}

// IsRetryableRestoreError reports whether a Restore failure may clear up on
// its own. A corrupt record or a stopped service will not.
func IsRetryableRestoreError(err error) bool {
	return !errors.Is(err, schedulestore.ErrCorruptRecord) && !errors.Is(err, ErrStopped)
}
