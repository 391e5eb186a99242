package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/opwire/internal/domain"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
	"github.com/pscheid92/opwire/internal/registry"
)

func (s *Server) handleClassic(c echo.Context) error {
	route := c.Param("*")
	d, ok := s.registry.Resolve(route)
	if !ok || d.Kind() != registry.KindClassic {
		return apperrors.NotFound("unknown operation").WithContext("route", registry.Normalize(route))
	}
	if !strings.EqualFold(c.Request().Method, d.Verb) {
		c.Response().Header().Set(echo.HeaderAllow, d.Verb)
		e := apperrors.NotFound("method not allowed for operation").
			WithContext("route", d.Route).
			WithContext("allow", d.Verb)
		if err := c.JSON(http.StatusMethodNotAllowed, e.ToResponse()); err != nil {
			return fmt.Errorf("failed to write error response: %w", err)
		}
		return nil
	}

	caller, err := s.caller(c, domain.TransportClassic)
	if err != nil {
		return err
	}
	raw, err := s.requestBody(c)
	if err != nil {
		return err
	}

	resp, err := s.classic.Invoke(c.Request().Context(), d, caller, raw)
	if err != nil {
		return err
	}
	if resp == nil {
		return c.NoContent(http.StatusNoContent)
	}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

type operationInfo struct {
	Route                 string   `json:"route"`
	Kind                  string   `json:"kind"`
	Verb                  string   `json:"verb,omitempty"`
	Capabilities          []string `json:"capabilities"`
	RequiresAuthorization bool     `json:"requiresAuthorization"`
	AllowParallelStarts   bool     `json:"allowParallelStarts,omitempty"`
	StartCooldownMs       int64    `json:"startCooldownMs,omitempty"`
}

func (s *Server) handleOperations(c echo.Context) error {
	descriptors := s.registry.List()
	out := make([]operationInfo, 0, len(descriptors))
	for _, d := range descriptors {
		info := operationInfo{
			Route:                 d.Route,
			Kind:                  string(d.Kind()),
			Capabilities:          d.Capabilities.Names(),
			RequiresAuthorization: d.Policy.RequiresAuthorization,
			AllowParallelStarts:   d.Policy.AllowParallelStarts,
			StartCooldownMs:       d.Policy.StartCooldown.Milliseconds(),
		}
		if d.Kind() == registry.KindClassic {
			info.Verb = d.Verb
		}
		out = append(out, info)
	}

	if err := c.JSON(http.StatusOK, map[string]any{"operations": out}); err != nil {
		return fmt.Errorf("failed to write operations response: %w", err)
	}
	return nil
}
