package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/gateway"
)

const defaultUsageWindow = 24 * time.Hour

func (h *Handler) getUserQuota(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	snap, err := h.gw.UserQuota(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"quota": snap,
	})
}

func (h *Handler) resetUserQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := chi.URLParam(r, "user")
	admin, _ := gateway.CallerFromContext(ctx)

	snap, err := h.gw.ResetQuota(ctx, user)
	if err != nil {
		writeError(w, err)
		return
	}

	slog.Info("quota reset by admin",
		"admin", admin.User,
		"user", user,
		"request_id", gateway.RequestID(ctx),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"quota": snap,
	})
}

// getUserUsage lists usage records since the RFC 3339 "since" parameter,
// by default the last 24 hours.
func (h *Handler) getUserUsage(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	since := time.Now().Add(-defaultUsageWindow)
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, fmt.Errorf("%w: invalid since parameter", domain.ErrValidation))
			return
		}
		since = t
	}

	records, err := h.gw.UserUsage(r.Context(), user, since)
	if err != nil {
		writeError(w, err)
		return
	}

	total, err := h.gw.UserChargedTokens(r.Context(), user, since)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user":          user,
		"since":         since.UTC(),
		"records":       records,
		"count":         len(records),
		"chargedTokens": total,
	})
}

func (h *Handler) getBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": h.gw.BreakerStates(r.Context()),
	})
}
