package accesslog

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/auth"
	"github.com/hcen/registry/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("/access-logs", auth.RequireRole(auth.RoleService, auth.RoleProfessional))
	write.POST("", h.Create)

	read := api.Group("/access-logs", auth.RequireRole(auth.RoleAuditor))
	read.GET("/by-patient/:ci", h.ByPatient)
	read.GET("/by-professional/:id", h.ByProfessional)
	read.GET("/by-document/:id", h.ByDocument)
	read.GET("/by-date-range", h.ByDateRange)
	read.GET("/count/by-patient/:ci", h.CountByPatient)
}

func (h *Handler) Create(c echo.Context) error {
	var in RecordInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	// The access time is the moment the registry hears of it. Only dead-letter
	// replay carries an earlier time.
	in.AccessedAt = time.Time{}
	if in.ClientIP == "" {
		in.ClientIP = c.RealIP()
	}
	if in.UserAgent == "" {
		in.UserAgent = c.Request().UserAgent()
	}
	e, err := h.svc.Record(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) ByPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ByPatient(c.Request().Context(), c.Param("ci"), pg.Limit, pg.Offset)
	return list(c, pg, items, total, err)
}

func (h *Handler) ByProfessional(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ByProfessional(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	return list(c, pg, items, total, err)
}

func (h *Handler) ByDocument(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ByDocument(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	return list(c, pg, items, total, err)
}

func (h *Handler) ByDateRange(c echo.Context) error {
	from, err := parseTime(c.QueryParam("from"), "from")
	if err != nil {
		return err
	}
	to, err := parseTime(c.QueryParam("to"), "to")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ByDateRange(c.Request().Context(), from, to, pg.Limit, pg.Offset)
	return list(c, pg, items, total, err)
}

func (h *Handler) CountByPatient(c echo.Context) error {
	n, err := h.svc.CountByPatient(c.Request().Context(), c.Param("ci"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"patientId": c.Param("ci"), "count": n})
}

func list(c echo.Context, pg pagination.Params, items []*AccessLog, total int, err error) error {
	if err != nil {
		return err
	}
	pagination.SetHeaders(c, pg, total)
	return c.JSON(http.StatusOK, items)
}

func parseTime(v, name string) (time.Time, error) {
	if v == "" {
		return time.Time{}, apperr.Validation("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Validation("%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}
