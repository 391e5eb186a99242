package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
)

// NewCheckOrigin returns the upgrader's CheckOrigin function. Requests without
// an Origin header (non-browser clients) and requests from the origin of
// appURL are accepted. In development localhost origins on any port are
// accepted too.
func NewCheckOrigin(appURL string, isDevelopment bool, logger *slog.Logger) func(r *http.Request) bool {
	if logger == nil {
		logger = slog.Default()
	}
	appOrigin := originOf(appURL)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
			return true
		case appOrigin != "" && origin == appOrigin:
			return true
		case isDevelopment && isLocalhost(origin):
			return true
		}

		logger.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

// originOf reduces a URL to scheme://host[:port].
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhost(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
