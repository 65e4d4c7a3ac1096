package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/DoyleJ11/liar-game-backend/internal/registry"
	"github.com/DoyleJ11/liar-game-backend/internal/types"
)

const qrSize = 320

type createRoomRequest struct {
	Code string `json:"code"`
}

type createRoomResponse struct {
	Code    string `json:"code"`
	Created bool   `json:"created"`
}

// CreateRoom answers POST /rooms. A known code in the body returns that
// room; anything else gets a fresh one.
func CreateRoom(reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRoomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		rm, created, err := reg.CreateOrGet(r.Context(), strings.ToUpper(strings.TrimSpace(req.Code)))
		if err != nil {
			log.Error("failed to create room", zap.Error(err))
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, createRoomResponse{Code: rm.ID(), Created: created})
	}
}

type listRoomsResponse struct {
	Rooms []string `json:"rooms"`
}

// ListRooms answers GET /rooms with the open room codes, sorted.
func ListRooms(reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := reg.List(r.Context())
		if err != nil {
			log.Error("failed to list rooms", zap.Error(err))
			http.Error(w, "failed to list rooms", http.StatusInternalServerError)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, listRoomsResponse{Rooms: ids})
	}
}

// GetRoom answers GET /rooms/{code} with the public snapshot.
func GetRoom(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rm, err := reg.Get(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		v, err := rm.State(r.Context())
		if err != nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, types.StateEvent(v.Version, v.State, ""))
	}
}

// RoomQR answers GET /rooms/{code}/qr with a PNG pointing at the join link.
func RoomQR(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		if _, err := reg.Get(r.Context(), code); err != nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		link := scheme + "://" + r.Host + "/?code=" + code

		png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
