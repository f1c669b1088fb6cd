package connmgr

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrNoOrigin   = errors.New("server origin is not configured")
	ErrNoIdentity = errors.New("no authenticated identity")
)

// Identity is what the client announces after connecting.
type Identity struct {
	UserID      string
	DisplayName string
	// Token, when set, is passed as access_token on the upgrade request.
	Token string
}

// Endpoint maps an http(s) origin to the chat websocket URL:
// http becomes ws, https becomes wss, and the path is /ws.
func Endpoint(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", ErrNoOrigin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("origin %q: unsupported scheme", origin)
	}
	if u.Host == "" {
		return "", fmt.Errorf("origin %q: host is missing", origin)
	}
	u.Path = "/ws"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func endpointFor(origin string, id Identity) (string, error) {
	if strings.TrimSpace(id.UserID) == "" {
		return "", ErrNoIdentity
	}
	endpoint, err := Endpoint(origin)
	if err != nil {
		return "", err
	}
	if id.Token == "" {
		return endpoint, nil
	}
	return endpoint + "?access_token=" + url.QueryEscape(id.Token), nil
}
