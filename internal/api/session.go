package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// SessionHeader carries the session id for non-browser clients.
	SessionHeader = "X-Session-ID"
	// SessionCookie carries the session id for the web form.
	SessionCookie = "docchat_session"
)

type sessionKey struct{}

// WithSession resolves the caller's session from the X-Session-ID header or
// the session cookie. Browsers without a cookie get a fresh one.
func WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(SessionHeader)
		if id == "" {
			if c, err := r.Cookie(SessionCookie); err == nil {
				id = c.Value
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, id)))
	})
}

// SessionID returns the session resolved by WithSession, or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
