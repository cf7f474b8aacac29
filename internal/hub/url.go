package hub

import (
	"fmt"
	"net/url"
	"strings"
)

// DeriveWSURL converts the hub base URL into its WebSocket endpoint.
// Supervisor-style embedded endpoints use /websocket; standalone hubs use
// /api/websocket. A trailing slash on the base URL is accepted.
func DeriveWSURL(base string) (string, error) {
	trimmed := strings.TrimSuffix(base, "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse hub URL %q: %w", base, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported hub URL scheme %q", u.Scheme)
	}

	if strings.Contains(u.Host+u.Path, "supervisor/core") {
		u.Path += "/websocket"
	} else {
		u.Path += "/api/websocket"
	}
	return u.String(), nil
}

// DeriveRESTURL converts the hub base URL into its REST API prefix, used
// for the startup liveness probe.
func DeriveRESTURL(base string) string {
	return strings.TrimSuffix(base, "/") + "/api"
}
