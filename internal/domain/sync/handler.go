package sync

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medsync/medsync/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/syncs", h.StartSync)
	api.GET("/syncs", h.ListSyncs)
	api.GET("/syncs/:id", h.GetSync)
	api.POST("/syncs/:id/cancel", h.CancelSync)
	api.GET("/syncs/:id/resolutions", h.ListSyncResolutions)
	api.POST("/conflicts/resolve", h.ResolveConflicts)
	api.GET("/resolutions", h.ListResolutions)
	api.GET("/review-queue", h.ListReviewQueue)
	api.DELETE("/review-queue/:id", h.AcknowledgeReview)
}

type startSyncRequest struct {
	SyncRequest
	Strategy ResolutionStrategy `json:"strategy"`
}

func (h *Handler) StartSync(c echo.Context) error {
	var body startSyncRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.Strategy.Name == "" {
		body.Strategy.Name = StrategyTimestamp
	}
	run, err := h.svc.StartSync(c.Request().Context(), body.SyncRequest, body.Strategy)
	if err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		var ve *ValidationError
		if errors.As(err, &ve) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, run)
}

func (h *Handler) GetSync(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	run, err := h.svc.Status(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "sync run not found")
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListSyncs(c echo.Context) error {
	pg := pagination.FromContext(c)
	runs, total, err := h.svc.ListRuns(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(runs, total, pg.Limit, pg.Offset))
}

func (h *Handler) CancelSync(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Cancel(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) ListSyncResolutions(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entries, err := h.svc.RunResolutions(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) ResolveConflicts(c echo.Context) error {
	var cd ConflictSet
	if err := c.Bind(&cd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.ResolveConflicts(c.Request().Context(), &cd)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListReviewQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.PendingReview(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) AcknowledgeReview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.AcknowledgeReview(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListResolutions(c echo.Context) error {
	resourceID := c.QueryParam("resource_id")
	if resourceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "resource_id is required")
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.ResolutionHistory(c.Request().Context(), resourceID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg.Limit, pg.Offset))
}
