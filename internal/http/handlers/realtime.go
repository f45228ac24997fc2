package handlers

import (
	"errors"
	"net/http"

	"server/internal/middleware"
)

// Realtime authenticates the WebSocket handshake and hands the connection to
// the hub. Bad credentials complete the upgrade and then close with the
// reserved policy-violation code (1008), so clients can tell an auth
// rejection from ordinary transport loss; the close reason says whether the
// credential was expired.
func (a *App) Realtime(w http.ResponseWriter, r *http.Request) {
	token := middleware.QueryToken(r)
	if token == "" {
		a.Hub.RejectUnauthorized(w, r, "missing token")
		return
	}
	claims, err := middleware.VerifyToken(a.JWTSecret, token)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, middleware.ErrTokenExpired) {
			reason = "token expired"
		}
		a.Hub.RejectUnauthorized(w, r, reason)
		return
	}

	country := middleware.CountryFromContext(r.Context())
	a.Hub.HandleConn(w, r, claims.Subject, country)
}
