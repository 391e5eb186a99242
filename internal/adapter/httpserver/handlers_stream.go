package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/opwire/internal/domain"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"github.com/pscheid92/opwire/internal/registry"
)

const contentTypeNDJSON = "application/x-ndjson"

// handleStream opens the run before writing anything, so refusals still get
// a proper status code. Once the first byte is out, failures are reported
// in-band as the final line.
func (s *Server) handleStream(c echo.Context) error {
	route := c.Param("*")
	d, ok := s.registry.Resolve(route)
	if !ok || d.Kind() != registry.KindStream || !d.Capabilities.Has(registry.Streamable) {
		return apperrors.NotFound("unknown stream").WithContext("route", registry.Normalize(route))
	}

	caller, err := s.caller(c, domain.TransportStream)
	if err != nil {
		return err
	}
	raw, err := s.requestBody(c)
	if err != nil {
		return err
	}

	run, err := s.streamer.Open(c.Request().Context(), d, caller, requestID(c, raw), raw)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, contentTypeNDJSON)
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set(requestIDHeader, run.ID)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	// Stream logs its own failures and has already written the error line.
	_ = run.Stream(res)
	return nil
}

func (s *Server) handleStreamCancel(c echo.Context) error {
	found := s.streamer.Cancel(c.Param("requestId"))
	if err := c.JSON(http.StatusOK, map[string]bool{"cancelled": found}); err != nil {
		return fmt.Errorf("failed to write cancel response: %w", err)
	}
	return nil
}
