package api

import (
	"net/http"
)

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	authed := func(h http.HandlerFunc) http.Handler {
		return s.AuthMiddleware(h)
	}

	mux.Handle("GET /api/bins", authed(s.HandleListBins))
	mux.Handle("POST /api/bins", authed(s.HandleCreateBin))
	mux.Handle("GET /api/bins/search", authed(s.HandleSearchBins))
	mux.Handle("GET /api/bins/{id}", authed(s.HandleGetBin))
	mux.Handle("PUT /api/bins/{id}", authed(s.HandleUpdateBin))
	mux.Handle("DELETE /api/bins/{id}", authed(s.HandleDeleteBin))

	mux.HandleFunc("GET /api/realtime/status", s.HandleRealtimeStatus)
	mux.HandleFunc("GET /health", s.HandleHealth)
}
