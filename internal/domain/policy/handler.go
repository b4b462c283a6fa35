package policy

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hcen/registry/internal/domain/accesslog"
	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/auth"
	"github.com/hcen/registry/internal/platform/db"
	"github.com/hcen/registry/pkg/pagination"
)

// Handler serves policy administration and the verify endpoint. Verify goes
// through eval, which is normally the guarded evaluator wrapping svc or a
// RemoteEvaluator.
type Handler struct {
	svc   *Service
	eval  Evaluator
	audit accesslog.Sink
}

func NewHandler(svc *Service, eval Evaluator, audit accesslog.Sink) *Handler {
	return &Handler{svc: svc, eval: eval, audit: audit}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	verify := api.Group("/policies", auth.RequireRole(auth.RoleProfessional, auth.RoleService))
	verify.POST("/verify", h.Verify)

	admin := api.Group("/policies", auth.RequireRole(auth.RoleAdmin))
	admin.POST("", h.Create)
	admin.DELETE("/:id", h.Delete)

	// Patients only see their own grants; Get and ListByPatient check ownership.
	read := api.Group("/policies", auth.RequireRole(auth.RoleAuditor, auth.RolePatient, auth.RoleProfessional))
	read.GET("/:id", h.Get)
	read.GET("/by-patient/:ci", h.ListByPatient)

	staff := api.Group("/policies", auth.RequireRole(auth.RoleAuditor, auth.RoleProfessional))
	staff.GET("/by-professional/:id", h.ListByProfessional)
}

// Verify evaluates the query and records exactly one access log entry for
// the attempt.
func (h *Handler) Verify(c echo.Context) error {
	var req EvaluationRequest
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &req); err != nil {
		return apperr.Validation("invalid query parameters")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}
	ctx := c.Request().Context()
	if req.TenantID == "" {
		req.TenantID = db.TenantFromContext(ctx)
	}

	d, err := h.eval.Evaluate(ctx, req)
	if err != nil {
		return err
	}

	entry := accesslog.RecordInput{
		ProfessionalID: req.ProfessionalID,
		PatientID:      req.PatientID,
		Specialty:      req.Specialty,
		DocumentID:     req.DocumentID,
		DocumentType:   req.DocumentType,
		TenantID:       req.TenantID,
		Success:        d.Allowed,
		ClientIP:       c.RealIP(),
		UserAgent:      c.Request().UserAgent(),
	}
	if !d.Allowed {
		entry.RejectionReason = d.Reason
	}
	if caller := auth.CallerFromContext(ctx); caller != nil && caller.ID == req.ProfessionalID {
		entry.ProfessionalName = caller.Name
	}
	h.audit.Enqueue(entry)

	return c.JSON(http.StatusOK, d)
}

func (h *Handler) Create(c echo.Context) error {
	var p Policy
	if err := c.Bind(&p); err != nil {
		return apperr.Validation("invalid request body")
	}
	p.Management = ManagementManual
	p.SourceRequestID = nil
	if p.TenantID == nil {
		if t := db.TenantFromContext(c.Request().Context()); t != "" {
			p.TenantID = &t
		}
	}
	if err := h.svc.Create(c.Request().Context(), &p); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid id")
	}
	ctx := c.Request().Context()
	p, err := h.svc.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := auth.AuthorizePatientRead(ctx, p.PatientID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.Validation("invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	ctx := c.Request().Context()
	if err := auth.AuthorizePatientRead(ctx, c.Param("ci")); err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(ctx, c.Param("ci"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	pagination.SetHeaders(c, pg, total)
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListByProfessional(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByProfessional(c.Request().Context(), c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	pagination.SetHeaders(c, pg, total)
	return c.JSON(http.StatusOK, items)
}
