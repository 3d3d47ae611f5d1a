// Package auth resolves the caller of a realtime connection to a Session.
//
// Sessions are issued elsewhere; this package only reads them, refreshes
// their activity timestamp and, for development setups, issues new ones.
package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrUnauthenticated is returned when a request carries no valid session.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

const (
	// CookieName carries the session id for browser clients.
	CookieName = "sid"
	// QueryParam carries the session id for clients that cannot set cookies.
	QueryParam = "sessionId"
)

// Session is the server-side identity of a participant.
type Session struct {
	ID           string
	IPAddress    string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Provider authenticates a raw connection request.
type Provider interface {
	Authenticate(ctx context.Context, r *http.Request) (Session, error)
}

// SessionID extracts the session id from the cookie or the query string.
func SessionID(r *http.Request) string {
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get(QueryParam)
}

// ClientIP returns the address of the caller, preferring the first hop of
// X-Forwarded-For.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
