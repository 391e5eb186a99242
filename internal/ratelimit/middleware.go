package ratelimit

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"golang.org/x/time/rate"
)

const httpLimiterExpiry = 5 * time.Minute

// HTTPMiddleware limits classic and stream calls per client IP.
func HTTPMiddleware(ratePerSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: httpLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			e := apperrors.Throttled("rate limit exceeded")
			return c.JSON(e.HTTPStatus(), e.ToResponse())
		},
	})
}
