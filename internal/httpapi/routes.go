package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/liar-game-backend/internal/registry"
	"github.com/DoyleJ11/liar-game-backend/internal/ws"
)

func SetupRoutes(reg *registry.Registry, wsCfg *ws.Config, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")
	if wsCfg == nil {
		wsCfg = &ws.Config{Logger: log}
	}
	if wsCfg.Registry == nil {
		wsCfg.Registry = reg
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public routes
	r.Post("/rooms", CreateRoom(reg, log))
	r.Get("/rooms", ListRooms(reg, log))
	r.Get("/rooms/{code}", GetRoom(reg))
	r.Get("/rooms/{code}/qr", RoomQR(reg))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(wsCfg))
	return r
}
