package mapping

import (
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
	api.POST("/mappings", h.CreateMapping)
	api.GET("/mappings", h.ListMappings)
	api.GET("/mappings/active", h.GetActiveMapping)
	api.GET("/mappings/versions", h.ListMappingVersions)
	api.GET("/mappings/:id", h.GetMapping)
	api.POST("/mappings/:id/activate", h.ActivateMapping)
}

func (h *Handler) CreateMapping(c echo.Context) error {
	var sm SchemaMapping
	if err := c.Bind(&sm); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateVersion(c.Request().Context(), &sm); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, sm)
}

func (h *Handler) GetMapping(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sm, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
	}
	return c.JSON(http.StatusOK, sm)
}

func (h *Handler) ListMappings(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetActiveMapping(c echo.Context) error {
	src, tgt, rt := c.QueryParam("source"), c.QueryParam("target"), c.QueryParam("resource_type")
	if src == "" || tgt == "" || rt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source, target, and resource_type are required")
	}
	sm, err := h.svc.Active(c.Request().Context(), src, tgt, rt)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active mapping for triple")
	}
	return c.JSON(http.StatusOK, sm)
}

func (h *Handler) ListMappingVersions(c echo.Context) error {
	src, tgt, rt := c.QueryParam("source"), c.QueryParam("target"), c.QueryParam("resource_type")
	if src == "" || tgt == "" || rt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "source, target, and resource_type are required")
	}
	versions, err := h.svc.Versions(c.Request().Context(), src, tgt, rt)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) ActivateMapping(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Activate(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
