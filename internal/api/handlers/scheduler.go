package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/slipstream/bgdownload/internal/scheduler"
)

// TaskLister reports the state of registered wake-up identifiers.
type TaskLister interface {
	ListTasks() []scheduler.TaskInfo
	GetTask(identifier string) (*scheduler.TaskInfo, error)
}

// SchedulerHandler handles scheduler-related API requests.
type SchedulerHandler struct {
	scheduler TaskLister
}

// NewSchedulerHandler creates a new scheduler handler.
func NewSchedulerHandler(sched TaskLister) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: sched,
	}
}

// ListTasks returns all registered wake-up identifiers.
// GET /api/v1/wakeups
func (h *SchedulerHandler) ListTasks(c echo.Context) error {
	tasks := h.scheduler.ListTasks()
	if tasks == nil {
		tasks = []scheduler.TaskInfo{}
	}
	return c.JSON(http.StatusOK, tasks)
}

// GetTask returns information about a specific identifier.
// GET /api/v1/wakeups/:id
func (h *SchedulerHandler) GetTask(c echo.Context) error {
	taskID := c.Param("id")
	task, err := h.scheduler.GetTask(taskID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, task)
}
