package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/quantpulse/assetscope/internal/pipeline"
	"github.com/quantpulse/assetscope/internal/store"
)

// PhaseDataHandler exposes the phase store for deployments where the
// orchestrator and later phases run in different processes. Only the opaque
// session token travels between them; payloads live here.
type PhaseDataHandler struct {
	Store *store.Store
	TTL   time.Duration
}

func (h *PhaseDataHandler) Register(g *echo.Group) {
	g.PUT("/:session/subjects/:subject/phases/:phase", h.put)
	g.GET("/:session/subjects/:subject/aggregate", h.aggregate)
}

func (h *PhaseDataHandler) put(c echo.Context) error {
	session := c.Param("session")
	subject := pipeline.NormalizeSubject(c.Param("subject"))
	phase, err := strconv.Atoi(c.Param("phase"))
	if err != nil || phase <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid phase number")
	}
	if subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject required")
	}

	var payload map[string]interface{}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "payload must be a JSON object")
	}

	rec := store.PhaseRecord{
		SessionID:   session,
		Subject:     subject,
		PhaseNumber: phase,
		Payload:     payload,
	}
	if err := h.Store.UpsertPhaseRecord(c.Request().Context(), rec, h.TTL); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"session": session,
		"subject": subject,
		"phase":   phase,
	})
}

func (h *PhaseDataHandler) aggregate(c echo.Context) error {
	session := c.Param("session")
	subject := pipeline.NormalizeSubject(c.Param("subject"))
	if subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject required")
	}
	upto, err := strconv.Atoi(c.QueryParam("upto"))
	if err != nil || upto <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "upto query parameter required")
	}

	merged, err := h.Store.AggregatePhasePayloads(c.Request().Context(), session, subject, upto)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, merged)
}
