// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"net/http"

	"github.com/kaiobarb/bazaar-ghost/backend/catalog"
	"github.com/kaiobarb/bazaar-ghost/backend/config"
	"github.com/kaiobarb/bazaar-ghost/backend/dispatch"
	"github.com/kaiobarb/bazaar-ghost/backend/notify"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         *sql.DB
	ctx        context.Context
	cfg        *config.Config
	catalog    *catalog.Service
	dispatcher *dispatch.Dispatcher
	router     *notify.Router
	seen       *seenCache
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, cfg *config.Config, cat *catalog.Service, disp *dispatch.Dispatcher, router *notify.Router) *Handlers {
	return &Handlers{
		db:         db,
		ctx:        ctx,
		cfg:        cfg,
		catalog:    cat,
		dispatcher: disp,
		router:     router,
		seen:       newSeenCache(ctx),
	}
}

// requireInternalKey verifies the shared secret on internal endpoints. Returns
// false after writing the 401 when the key is absent or wrong.
func (h *Handlers) requireInternalKey(w http.ResponseWriter, r *http.Request) bool {
	if h.cfg.InternalAPIKey == "" {
		http.Error(w, "internal api key not configured", http.StatusServiceUnavailable)
		return false
	}
	key := r.Header.Get("X-Api-Key")
	if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.InternalAPIKey)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
