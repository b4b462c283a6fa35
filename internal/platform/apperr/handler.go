package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorResponse is the JSON body returned for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HTTPErrorHandler renders classified errors as {"error": "..."} with their
// mapped status. Unclassified errors are logged in full and rendered as a
// generic 500 so internals never leak to the caller.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, message := resolve(err)
		rid, _ := c.Get("request_id").(string)

		if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("unhandled error")
		}
		if status == http.StatusServiceUnavailable {
			c.Response().Header().Set("Retry-After", "5")
			logger.Warn().Err(err).Str("request_id", rid).Msg("upstream unavailable")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, ErrorResponse{Error: message})
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Str("request_id", rid).Msg("failed to write error response")
		}
	}
}

func resolve(err error) (int, string) {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Kind == KindInternal {
			return http.StatusInternalServerError, "internal server error"
		}
		return ae.Kind.HTTPStatus(), ae.Message
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		if he.Code >= http.StatusInternalServerError {
			return he.Code, http.StatusText(he.Code)
		}
		return he.Code, fmt.Sprintf("%v", he.Message)
	}

	return http.StatusInternalServerError, "internal server error"
}
