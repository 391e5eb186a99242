package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/platform/correlation"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
)

// correlationMiddleware tags the request context with the caller's
// correlation id, or a fresh one, and echoes it in the response.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromRequest(c.Request())
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

// ErrorHandlingMiddleware renders returned errors as structured JSON. Echo's
// own HTTP errors (unknown paths, bad methods) are translated too, so every
// error body has the same shape. m may be nil.
func ErrorHandlingMiddleware(logger *slog.Logger, m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			if c.Response().Committed {
				logger.WarnContext(c.Request().Context(), "Error after response was committed", "path", c.Request().URL.Path, "error", err)
				return nil
			}

			var structuredErr *apperrors.Error
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				structuredErr = WrapHTTPError(httpErr)
			} else {
				structuredErr = apperrors.AsStructuredError(err)
			}

			logError(logger, c, structuredErr)
			if m != nil {
				m.ErrorsTotal.WithLabelValues(string(structuredErr.Code)).Inc()
			}

			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

func logError(logger *slog.Logger, c echo.Context, err *apperrors.Error) {
	attrs := []any{
		"code", err.Code,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if principal := c.Get(principalKey); principal != nil {
		attrs = append(attrs, "principal_id", principal)
	}

	ctx := c.Request().Context()
	switch err.Code {
	case apperrors.CodeInvalidRequest, apperrors.CodeInvalidStart, apperrors.CodeNotFound:
		logger.InfoContext(ctx, "Request rejected", attrs...)
	case apperrors.CodeUnauthorized, apperrors.CodeForbidden:
		logger.InfoContext(ctx, "Access denied", attrs...)
	case apperrors.CodeBusy, apperrors.CodeThrottled:
		logger.WarnContext(ctx, "Request refused", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		logger.ErrorContext(ctx, "Internal error", attrs...)
	}
}

// WrapHTTPError maps an echo.HTTPError onto the structured error taxonomy.
func WrapHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message := http.StatusText(httpErr.Code)
	if msg, ok := httpErr.Message.(string); ok && msg != "" {
		message = msg
	}

	var err *apperrors.Error
	switch httpErr.Code {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		err = apperrors.NotFound(message)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		err = apperrors.InvalidRequest(message)
	case http.StatusUnauthorized:
		err = apperrors.Unauthorized(message)
	case http.StatusForbidden:
		err = apperrors.Forbidden(message)
	case http.StatusTooManyRequests:
		err = apperrors.Throttled(message)
	case http.StatusConflict:
		err = apperrors.Busy(message)
	default:
		err = apperrors.Internal(message, httpErr.Internal)
	}
	if httpErr.Internal != nil && err.Cause == nil {
		err.Cause = httpErr.Internal
	}
	return err
}
