package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestLimiter_Allow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewLimiter(Config{RequestsPerWindow: 2, Window: time.Minute}, clock)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "limits are per IP")

	clock.Advance(time.Minute + time.Second)
	assert.True(t, l.Allow("10.0.0.1"), "window resets")
}

func TestLimiter_Middleware(t *testing.T) {
	l := NewLimiter(Config{RequestsPerWindow: 1, Window: time.Minute}, clockwork.NewFakeClock())

	e := echo.New()
	e.POST("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, l.Middleware())

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusTooManyRequests}, codes)
}
