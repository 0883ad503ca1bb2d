package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quantpulse/assetscope/internal/cache"
	"github.com/quantpulse/assetscope/internal/pipeline"
)

// CacheAdminHandler exposes subject-level cache invalidation. Cached data is
// fungible across all consumers of a subject, so there is no per-caller
// partitioning to respect.
type CacheAdminHandler struct {
	Cache *cache.Manager
}

func (h *CacheAdminHandler) Register(g *echo.Group) {
	g.POST("/invalidate", h.invalidate)
}

type invalidateRequest struct {
	Subject      string `json:"subject"`
	AnalysisType string `json:"analysis_type"`
}

func (h *CacheAdminHandler) invalidate(c echo.Context) error {
	var req invalidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	subject := pipeline.NormalizeSubject(req.Subject)
	if subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject required")
	}

	if err := h.Cache.Invalidate(c.Request().Context(), subject, req.AnalysisType); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{
		"subject":       subject,
		"analysis_type": req.AnalysisType,
		"result":        "invalidated",
	})
}
