package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/quantpulse/assetscope/internal/jobs"
	"github.com/quantpulse/assetscope/internal/store"
)

// JobsHandler exposes the poll endpoint and job listings.
type JobsHandler struct {
	Manager *jobs.Manager
	Store   *store.Store
}

func (h *JobsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:id", h.poll)
}

// poll is idempotent and side-effect-free: it reports the job's current
// state and nothing else.
func (h *JobsHandler) poll(c echo.Context) error {
	id := c.Param("id")
	view, found, err := h.Manager.Poll(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, view)
}

func (h *JobsHandler) list(c echo.Context) error {
	filter := store.JobFilter{
		Subject: c.QueryParam("subject"),
		Status:  c.QueryParam("status"),
		Limit:   50,
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = n
	}

	records, err := h.Store.ListJobs(c.Request().Context(), filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		item := map[string]interface{}{
			"id":         rec.ID,
			"subject":    rec.Subject,
			"status":     rec.Status,
			"created_at": rec.CreatedAt,
			"updated_at": rec.UpdatedAt,
		}
		if rec.ErrorMessage != "" {
			item["error"] = rec.ErrorMessage
		}
		if rec.CompletedAt != nil {
			item["completed_at"] = rec.CompletedAt
		}
		out = append(out, item)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": out})
}
