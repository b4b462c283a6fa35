package db

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBTxKey     contextKey = "db_tx"
)

// TenantHeader carries an explicit tenant on service-to-service calls.
const TenantHeader = "X-Tenant-ID"

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidTenantID reports whether id is a well-formed tenant identifier.
func ValidTenantID(id string) bool {
	return identifierPattern.MatchString(id)
}

// ValidSchemaName reports whether name can be interpolated as a schema identifier.
func ValidSchemaName(name string) bool {
	return identifierPattern.MatchString(name)
}

// TenantMiddleware threads the caller's tenant through the request context.
// The tenant comes from the verified credential first, then the X-Tenant-ID
// header. There is no default: requests without a tenant carry none, and
// components that need one must fail explicitly.
func TenantMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c)
			if tenantID == "" {
				return next(c)
			}
			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			c.SetRequest(c.Request().WithContext(WithTenant(c.Request().Context(), tenantID)))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

func extractTenantID(c echo.Context) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && strings.TrimSpace(tid) != "" {
		return strings.TrimSpace(tid)
	}
	return strings.TrimSpace(c.Request().Header.Get(TenantHeader))
}

// WithTenant returns a context carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// TenantFromContext returns the tenant carried by ctx, or "".
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}
