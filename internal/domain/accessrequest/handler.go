package accessrequest

import (
	"net/http"

	"github.com/google/uuid"
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
	create := api.Group("/access-requests", auth.RequireRole(auth.RoleProfessional))
	create.POST("", h.Create)

	resolve := api.Group("/access-requests", auth.RequireRole(auth.RolePatient))
	resolve.POST("/:id/approve", h.Approve)
	resolve.POST("/:id/reject", h.Reject)

	// Patients only see their own requests; the handlers check ownership.
	read := api.Group("/access-requests", auth.RequireRole(auth.RolePatient, auth.RoleProfessional, auth.RoleAuditor))
	read.GET("/pending/by-patient/:ci", h.PendingByPatient)
	read.GET("/by-patient/:ci", h.ByPatient)
	read.GET("/:id", h.Get)

	staff := api.Group("/access-requests", auth.RequireRole(auth.RoleProfessional, auth.RoleAuditor))
	staff.GET("/pending", h.AllPending)
	staff.GET("/by-professional/:id", h.ByProfessional)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	r, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid id")
	}
	ctx := c.Request().Context()
	r, err := h.svc.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.AuthorizePatientRead(ctx, r.PatientID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Approve(c echo.Context) error {
	id, in, err := resolveParams(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Approve(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Reject(c echo.Context) error {
	id, in, err := resolveParams(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Reject(c.Request().Context(), id, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

// resolveParams reads the id and an optional body; an empty body is allowed.
func resolveParams(c echo.Context) (uuid.UUID, ResolveInput, error) {
	var in ResolveInput
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, in, apperr.Validation("invalid id")
	}
	if c.Request().ContentLength != 0 {
		if err := (&echo.DefaultBinder{}).BindBody(c, &in); err != nil {
			return uuid.Nil, in, apperr.Validation("invalid request body")
		}
	}
	return id, in, nil
}

func (h *Handler) AllPending(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.AllPending(c.Request().Context(), pg.Limit, pg.Offset)
	return list(c, pg, items, total, err)
}

func (h *Handler) PendingByPatient(c echo.Context) error {
	if err := auth.AuthorizePatientRead(c.Request().Context(), c.Param("ci")); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.PendingByPatient(c.Request().Context(), c.Param("ci"), pg.Limit, pg.Offset)
	return list(c, pg, items, total, err)
}

func (h *Handler) ByPatient(c echo.Context) error {
	if err := auth.AuthorizePatientRead(c.Request().Context(), c.Param("ci")); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ByPatient(c.Request().Context(), c.Param("ci"), pg.Limit, pg.Offset)
	return list(c, pg, items, total, err)
}

func (h *Handler) ByProfessional(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ByProfessional(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	return list(c, pg, items, total, err)
}

func list(c echo.Context, pg pagination.Params, items []*AccessRequest, total int, err error) error {
	if err != nil {
		return err
	}
	pagination.SetHeaders(c, pg, total)
	return c.JSON(http.StatusOK, items)
}
