package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/aimeet/meet-backend/internal/hub"
	"github.com/aimeet/meet-backend/internal/persist"
)

// Handler is the administrative control surface: force-end a meeting and
// force-remove one identity. Both are thin wrappers over hub primitives.
type Handler struct {
	hub   *hub.Hub
	store persist.Store
	lg    *zap.Logger
}

func New(h *hub.Hub, store persist.Store, lg *zap.Logger) *Handler {
	return &Handler{hub: h, store: store, lg: lg}
}

// chatHistorian is the optional read side for saved chat; the Badger store
// implements it.
type chatHistorian interface {
	ChatHistory(ctx context.Context, roomID string) ([]persist.ChatRecord, error)
}

// Routes exposes, relative to the mount point:
//
//	DELETE /rooms/{id}?actor=<userID>   force-end a meeting (host check when actor set)
//	POST   /rooms/{id}/leave            body {"userId": "..."}; kick one identity
//	GET    /rooms/{id}/participants     live snapshot
//	GET    /rooms/{id}/chat             persisted chat history
func (a *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("DELETE /rooms/{id}", func(w http.ResponseWriter, r *http.Request) {
		roomID := r.PathValue("id")
		actor := r.URL.Query().Get("actor")
		if err := a.hub.CloseRoom(r.Context(), roomID, actor); err != nil {
			writeErr(w, err)
			return
		}
		a.lg.Info("room force-deleted", zap.String("room", roomID), zap.String("actor", actor))
		writeJSON(w, map[string]any{"success": true})
	})

	mux.HandleFunc("POST /rooms/{id}/leave", func(w http.ResponseWriter, r *http.Request) {
		roomID := r.PathValue("id")
		var req struct {
			UserID string `json:"userId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := a.hub.KickUser(roomID, req.UserID); err != nil {
			writeErr(w, err)
			return
		}
		a.lg.Info("participant kicked", zap.String("room", roomID), zap.String("user", req.UserID))
		writeJSON(w, map[string]any{"success": true})
	})

	mux.HandleFunc("GET /rooms/{id}/participants", func(w http.ResponseWriter, r *http.Request) {
		parts, err := a.hub.Snapshot(r.PathValue("id"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]any{"participants": parts})
	})

	mux.HandleFunc("GET /rooms/{id}/chat", func(w http.ResponseWriter, r *http.Request) {
		hist, ok := a.store.(chatHistorian)
		if !ok {
			http.Error(w, "history unavailable", http.StatusNotImplemented)
			return
		}
		history, err := hist.ChatHistory(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"messages": history})
	})

	return mux
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hub.ErrRoomNotFound):
		http.Error(w, "room not found", http.StatusNotFound)
	case errors.Is(err, hub.ErrNotParticipant):
		http.Error(w, "not a participant", http.StatusNotFound)
	case errors.Is(err, hub.ErrNotHost):
		http.Error(w, "not authorized", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
