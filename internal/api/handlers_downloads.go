package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/bgdownload/internal/downloader"
	"github.com/slipstream/bgdownload/internal/schedulestore"
)

// Downloader is the download session manager as seen by the API.
type Downloader interface {
	ScheduleDownload(ctx context.Context, delay time.Duration) (schedulestore.Record, error)
	Status(ctx context.Context) (downloader.Status, error)
}

// ScheduleRequest is the body of POST /api/v1/download/schedule.
type ScheduleRequest struct {
	DelaySeconds *float64 `json:"delaySeconds"`
}

// ScheduleResponse describes an accepted schedule.
type ScheduleResponse struct {
	TargetTime time.Time `json:"targetTime"`
	Completed  bool      `json:"completed"`
}

func (s *Server) getState(c echo.Context) error {
	st, err := s.deps.Downloader.Status(c.Request().Context())
	if err != nil {
		return s.downloaderError(c, err)
	}
	return c.JSON(http.StatusOK, st.State)
}

func (s *Server) getSchedule(c echo.Context) error {
	st, err := s.deps.Downloader.Status(c.Request().Context())
	if err != nil {
		return s.downloaderError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) scheduleDownload(c echo.Context) error {
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.DelaySeconds == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "delaySeconds is required"})
	}
	secs := *req.DelaySeconds
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": downloader.ErrInvalidDelay.Error()})
	}
	if secs > math.MaxInt64/float64(time.Second) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "delaySeconds is too large"})
	}

	rec, err := s.deps.Downloader.ScheduleDownload(c.Request().Context(), time.Duration(secs*float64(time.Second)))
	if err != nil {
		return s.downloaderError(c, err)
	}

	return c.JSON(http.StatusAccepted, ScheduleResponse{
		TargetTime: rec.TargetTime,
		Completed:  rec.Completed,
	})
}

func (s *Server) downloaderError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, downloader.ErrInvalidDelay):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, downloader.ErrStopped):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "request cancelled"})
	default:
		s.logger.Error().Err(err).Msg("Download service request failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}
