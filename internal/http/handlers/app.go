package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"server/internal/infra"
	"server/internal/middleware"
	"server/internal/realtime"
	"server/internal/storage"

	"github.com/rs/zerolog"
)

// App bundles the dependencies shared by every handler.
type App struct {
	SQL            infra.SQLExecutor
	Hub            *realtime.Hub
	Store          *storage.FileStore
	StorageBaseURL string
	JWTSecret      string
	ProducerSecret string
	Logger         zerolog.Logger
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]errorBody{"error": {Code: errCode, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// assetURL turns a storage key into the public URL clients can fetch.
func (a *App) assetURL(storageKey string) string {
	if storageKey == "" {
		return ""
	}
	return strings.TrimRight(a.StorageBaseURL, "/") + "/" + strings.TrimLeft(storageKey, "/")
}
