package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/opwire/internal/domain"
	apperrors "github.com/pscheid92/opwire/internal/platform/errors"
)

const (
	principalKey    = "principalID"
	requestIDHeader = "X-Request-ID"
)

// caller resolves the bearer token, if any, into the identity bound to the
// operation. A request without a token is anonymous; a request with an
// unknown token is refused.
func (s *Server) caller(c echo.Context, transport domain.Transport) (domain.Caller, error) {
	caller := domain.Caller{Transport: transport}

	token, present := bearerToken(c.Request())
	if !present {
		return caller, nil
	}
	if token == "" {
		return caller, apperrors.Unauthorized("malformed authorization header")
	}

	principal, ok, err := s.identity.Validate(c.Request().Context(), token)
	if err != nil {
		return caller, apperrors.Internal("identity validation failed", err)
	}
	if !ok {
		return caller, apperrors.Unauthorized("invalid token")
	}

	c.Set(principalKey, principal.ID)
	caller.PrincipalID = principal.ID
	caller.Authenticated = true
	return caller, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
// present is false when no Authorization header was sent.
func bearerToken(r *http.Request) (token string, present bool) {
	header := strings.TrimSpace(r.Header.Get(echo.HeaderAuthorization))
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(token), true
}

// requestBody returns the raw request for an operation: the JSON body for
// methods that carry one, the query string mapped to a JSON object
// otherwise. An empty body yields nil.
func (s *Server) requestBody(c echo.Context) (json.RawMessage, error) {
	r := c.Request()
	switch r.Method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		return queryToJSON(r.URL.Query())
	}

	data, err := io.ReadAll(http.MaxBytesReader(c.Response(), r.Body, s.config.MaxBodyBytes))
	if err != nil {
		return nil, apperrors.InvalidRequest("request body could not be read", err.Error())
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, apperrors.InvalidRequest("request body is not valid JSON")
	}
	return json.RawMessage(data), nil
}

// queryToJSON maps query parameters into a JSON object. Values that are JSON
// literals (numbers, booleans, null, quoted strings, objects, arrays) keep
// their type, anything else becomes a string. Repeated keys become arrays.
func queryToJSON(values url.Values) (json.RawMessage, error) {
	if len(values) == 0 {
		return nil, nil
	}

	obj := make(map[string]any, len(values))
	for key, vs := range values {
		if len(vs) == 1 {
			obj[key] = queryValue(vs[0])
			continue
		}
		items := make([]any, len(vs))
		for i, v := range vs {
			items[i] = queryValue(v)
		}
		obj[key] = items
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return data, nil
}

func queryValue(v string) any {
	if v != "" && json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	return v
}

// requestID picks the client-supplied stream id from the header, the query
// string, or a top-level "requestId" field of the body.
func requestID(c echo.Context, raw json.RawMessage) string {
	if id := strings.TrimSpace(c.Request().Header.Get(requestIDHeader)); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.QueryParam("requestId")); id != "" {
		return id
	}
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	var body struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.RequestID)
}
