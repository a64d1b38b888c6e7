// Package transfer runs one background HTTP download at a time and reports
// its progress and outcome to a Sink.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Sink receives transfer events. Each task produces zero or more OnWritten
// calls followed by exactly one of OnFinished or OnTaskError, unless the
// session is invalidated first. Callbacks run on the task goroutine, never on
// the caller of Start.
type Sink interface {
	OnWritten(bytesWritten, totalWritten, totalExpected int64)
	// OnFinished gets the temporary location of the received file. The file
	// is removed once OnFinished returns.
	OnFinished(tempLocation string)
	OnTaskError(err error)
	OnSessionInvalid(err error)
}

// Config holds engine configuration.
type Config struct {
	TempDir            string
	ProgressInterval   time.Duration
	RequestTimeout     time.Duration
	FollowConfirmPages bool
	HTTPClient         *http.Client
	Fs                 afero.Fs
}

type task struct {
	id     string
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

const tempSuffix = ".download"

// Engine downloads files into TempDir.
type Engine struct {
	cfg    Config
	client *http.Client
	fs     afero.Fs
	logger zerolog.Logger

	mu          sync.Mutex
	sink        Sink
	active      *task
	suppressed  bool
	invalidated bool
	// Finished files still waiting for removal, by base name.
	finishing map[string]struct{}
}

// NewEngine creates a transfer engine.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	return &Engine{
		cfg:    cfg,
		client: client,
		fs:        fs,
		logger:    logger.With().Str("component", "transfer").Logger(),
		finishing: make(map[string]struct{}),
	}
}

// SetSink sets the event receiver. It must be called before Start.
func (e *Engine) SetSink(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// Active reports whether a transfer is outstanding.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Start begins downloading rawURL in the background and returns the task ID.
func (e *Engine) Start(rawURL string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.invalidated {
		return "", ErrSessionInvalidated
	}
	if e.active != nil {
		return "", ErrTransferActive
	}
	if e.sink == nil {
		return "", ErrNoSink
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		id:     uuid.New().String(),
		url:    rawURL,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.active = t
	sink := e.sink

	e.logger.Info().Str("task", t.id).Str("url", rawURL).Msg("Starting transfer")

	go e.run(t, sink)
	return t.id, nil
}

// Invalidate tears the session down. An outstanding task is cancelled
// without reporting its error, then OnSessionInvalid is delivered once.
// Later calls and Start return immediately.
func (e *Engine) Invalidate(err error) {
	sink, ok := e.teardown()
	if !ok {
		return
	}

	e.logger.Warn().Err(err).Msg("Transfer session invalidated")
	if sink != nil {
		sink.OnSessionInvalid(&SessionInvalidError{Err: err})
	}
}

// Close tears the session down without notifying the sink.
func (e *Engine) Close() {
	if _, ok := e.teardown(); ok {
		e.logger.Info().Msg("Transfer session closed")
	}
}

func (e *Engine) teardown() (Sink, bool) {
	e.mu.Lock()
	if e.invalidated {
		e.mu.Unlock()
		return nil, false
	}
	e.invalidated = true
	e.suppressed = true
	t := e.active
	sink := e.sink
	e.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}
	return sink, true
}

func (e *Engine) run(t *task, sink Sink) {
	defer close(t.done)
	defer t.cancel()

	started := time.Now()
	tempPath, written, err := e.fetch(t, sink)

	// Release the task before the terminal callback. The sink may start the
	// next transfer as soon as it has seen the outcome.
	e.mu.Lock()
	suppressed := e.suppressed
	if !suppressed {
		if e.active == t {
			e.active = nil
		}
		if tempPath != "" {
			e.finishing[filepath.Base(tempPath)] = struct{}{}
		}
	}
	e.mu.Unlock()

	switch {
	case suppressed:
		e.logger.Debug().Str("task", t.id).Msg("Transfer stopped by session teardown")
	case err != nil:
		e.logger.Error().Err(err).Str("task", t.id).Dur("elapsed", time.Since(started)).Msg("Transfer failed")
		sink.OnTaskError(err)
	default:
		e.logger.Info().
			Str("task", t.id).
			Int64("bytes", written).
			Dur("elapsed", time.Since(started)).
			Msg("Transfer finished")
		sink.OnFinished(tempPath)
	}

	if tempPath != "" {
		if rmErr := e.fs.Remove(tempPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.logger.Warn().Err(rmErr).Str("path", tempPath).Msg("Failed to remove temporary file")
		}
	}

	e.mu.Lock()
	if tempPath != "" {
		delete(e.finishing, filepath.Base(tempPath))
	}
	if e.active == t {
		e.active = nil
	}
	e.mu.Unlock()
}

// fetch downloads t.url into a temporary file and returns its path.
func (e *Engine) fetch(t *task, sink Sink) (string, int64, error) {
	resp, err := e.get(t.ctx, t.url)
	if err != nil {
		return "", 0, err
	}

	if e.cfg.FollowConfirmPages && isHTML(resp) {
		next, err := resolveConfirmURL(resp.Request.URL, resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", 0, &TransferError{URL: t.url, Err: err}
		}
		e.logger.Info().Str("task", t.id).Str("url", next.String()).Msg("Following confirmation page")

		resp, err = e.get(t.ctx, next.String())
		if err != nil {
			return "", 0, err
		}
	}
	defer resp.Body.Close()

	e.logger.Debug().
		Str("task", t.id).
		Int("statusCode", resp.StatusCode).
		Int64("contentLength", resp.ContentLength).
		Msg("Received HTTP response")

	tempPath, file, err := e.prepareTempFile(t)
	if err != nil {
		return "", 0, &TransferError{URL: t.url, Err: err}
	}

	written, err := e.copyLoop(t, resp.Body, file, resp.ContentLength, sink)
	closeErr := file.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close temporary file: %w", closeErr)
	}
	if err != nil {
		_ = e.fs.Remove(tempPath)
		return "", written, &TransferError{URL: t.url, Err: err}
	}
	return tempPath, written, nil
}

func (e *Engine) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, &TransferError{URL: rawURL, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &TransferError{URL: rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, &TransferError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return resp, nil
}

// PurgeTempFiles removes leftover partial files from TempDir, skipping the
// active task's file and finished files the sink may still be reading. It
// returns the number of files removed.
func (e *Engine) PurgeTempFiles() (int, error) {
	e.mu.Lock()
	skip := make(map[string]struct{}, len(e.finishing)+1)
	for name := range e.finishing {
		skip[name] = struct{}{}
	}
	if e.active != nil {
		skip[e.active.id+tempSuffix] = struct{}{}
	}
	e.mu.Unlock()

	matches, err := afero.Glob(e.fs, filepath.Join(e.cfg.TempDir, "*"+tempSuffix))
	if err != nil {
		return 0, fmt.Errorf("failed to list temporary files: %w", err)
	}

	removed := 0
	for _, path := range matches {
		if _, ok := skip[filepath.Base(path)]; ok {
			continue
		}
		if err := e.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info().Int("count", removed).Str("dir", e.cfg.TempDir).Msg("Removed leftover temporary files")
	}
	return removed, nil
}

func (e *Engine) prepareTempFile(t *task) (string, afero.File, error) {
	if err := e.fs.MkdirAll(e.cfg.TempDir, 0o750); err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	path := filepath.Join(e.cfg.TempDir, t.id+tempSuffix)
	file, err := e.fs.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	return path, file, nil
}

// copyLoop streams reader into writer and reports progress at most once per
// ProgressInterval, plus once after the last chunk. totalExpected is passed
// through unchanged, so -1 signals an unknown size.
func (e *Engine) copyLoop(t *task, reader io.Reader, writer io.Writer, totalExpected int64, sink Sink) (int64, error) {
	var (
		total      int64
		sinceLast  int64
		lastReport time.Time
	)
	buf := make([]byte, 32*1024)

	for {
		if err := t.ctx.Err(); err != nil {
			return total, err
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if _, writeErr := writer.Write(buf[:n]); writeErr != nil {
				return total, fmt.Errorf("failed to write download: %w", writeErr)
			}
			total += int64(n)
			sinceLast += int64(n)

			if time.Since(lastReport) >= e.cfg.ProgressInterval {
				sink.OnWritten(sinceLast, total, totalExpected)
				sinceLast = 0
				lastReport = time.Now()
			}
		}

		if errors.Is(err, io.EOF) {
			if sinceLast > 0 {
				sink.OnWritten(sinceLast, total, totalExpected)
			}
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("download read error: %w", err)
		}
	}
}
