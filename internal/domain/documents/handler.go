package documents

import (
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hcen/registry/internal/platform/apperr"
	"github.com/hcen/registry/internal/platform/auth"
	"github.com/hcen/registry/pkg/pagination"
)

// TenantResolutionHeader tells the client how the document's tenant was chosen.
const TenantResolutionHeader = "X-Tenant-Resolution"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	register := api.Group("/documents", auth.RequireRole(auth.RoleService))
	register.POST("", h.Register)

	read := api.Group("/documents", auth.RequireRole(auth.RoleProfessional, auth.RoleService, auth.RolePatient, auth.RoleAuditor))
	read.GET("/by-patient/:ci", h.ListByPatient)

	fetch := api.Group("/documents", auth.RequireRole(auth.RoleProfessional, auth.RoleService))
	fetch.GET("/:id", h.Fetch)
}

// Fetch streams the document bytes from the owning peripheral node.
func (h *Handler) Fetch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return apperr.NotFound("document %s not found", c.Param("id"))
	}

	doc, err := h.svc.Fetch(c.Request().Context(), FetchInput{
		DocumentID:  id,
		TenantID:    c.QueryParam("tenantId"),
		BearerToken: bearer(c.Request().Header.Get(echo.HeaderAuthorization)),
		ClientIP:    c.RealIP(),
		UserAgent:   c.Request().UserAgent(),
	})
	if err != nil {
		return err
	}
	defer doc.Content.Body.Close()

	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, mime.FormatMediaType("inline", map[string]string{"filename": doc.FileName}))
	header.Set(TenantResolutionHeader, doc.Tenant.Source)
	if doc.Content.ContentLength > 0 {
		header.Set(echo.HeaderContentLength, strconv.FormatInt(doc.Content.ContentLength, 10))
	}
	return c.Stream(http.StatusOK, doc.ContentType, doc.Content.Body)
}

func (h *Handler) Register(c echo.Context) error {
	var in RegisterInput
	if err := c.Bind(&in); err != nil {
		return apperr.Validation("invalid request body")
	}
	m, err := h.svc.Register(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), c.Param("ci"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	pagination.SetHeaders(c, pg, total)
	return c.JSON(http.StatusOK, items)
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
