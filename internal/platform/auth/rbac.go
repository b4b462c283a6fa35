package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hcen/registry/internal/platform/apperr"
)

// RequireRole allows callers holding at least one of roles. Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller := CallerFromContext(c.Request().Context())
			if caller == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if caller.HasRole(RoleAdmin) {
				return next(c)
			}
			for _, required := range roles {
				if caller.HasRole(required) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// ActsAsPatient reports whether the caller may act on patientID's behalf.
// Admins and verified services always may; anyone else only as that patient.
func (c *Caller) ActsAsPatient(patientID string) bool {
	return c.Service || c.HasRole(RoleAdmin) || (c.ID != "" && c.ID == patientID)
}

// CanReadPatient also admits professionals and auditors, who read across
// patients.
func (c *Caller) CanReadPatient(patientID string) bool {
	return c.ActsAsPatient(patientID) || c.HasRole(RoleProfessional) || c.HasRole(RoleAuditor)
}

// AuthorizePatientRead fails unless the request's caller may read patientID's
// records.
func AuthorizePatientRead(ctx context.Context, patientID string) error {
	caller := CallerFromContext(ctx)
	if caller == nil {
		return apperr.Unauthorized("authentication required")
	}
	if !caller.CanReadPatient(patientID) {
		return apperr.Forbidden("records of patient %s belong to another patient", patientID)
	}
	return nil
}
