package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/bgdownload/internal/notification"
	"github.com/slipstream/bgdownload/internal/notification/inapp"
)

// NotificationProvider exposes recent notifications and notifier tests.
type NotificationProvider interface {
	GetRecords() []inapp.NotificationRecord
	Test(ctx context.Context) []notification.TestResult
}

func (s *Server) listNotifications(c echo.Context) error {
	records := s.deps.Notifications.GetRecords()
	if records == nil {
		records = []inapp.NotificationRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (s *Server) testNotifications(c echo.Context) error {
	results := s.deps.Notifications.Test(c.Request().Context())
	if results == nil {
		results = []notification.TestResult{}
	}
	return c.JSON(http.StatusOK, results)
}
