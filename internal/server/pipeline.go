package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quantpulse/assetscope/internal/pipeline"
)

// PipelineHandler triggers analysis runs.
type PipelineHandler struct {
	Orch   *pipeline.Orchestrator
	Phases []pipeline.Phase
}

func (h *PipelineHandler) Register(g *echo.Group) {
	g.POST("/subjects/:subject/analyze", h.analyze)
}

type analyzeRequest struct {
	Session string `json:"session"`
}

func (h *PipelineHandler) analyze(c echo.Context) error {
	subject := pipeline.NormalizeSubject(c.Param("subject"))
	if subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject required")
	}

	var req analyzeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.Orch.Run(c.Request().Context(), req.Session, subject, h.Phases, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
