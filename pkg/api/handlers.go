package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/binwatch/binwatch/pkg/realtime"
	"github.com/binwatch/binwatch/pkg/version"
)

func (s *Server) HandleListBins(w http.ResponseWriter, r *http.Request) {
	bins, err := s.store.GetUserBins(userID(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ListBinsResponse{Bins: bins, Count: len(bins)})
}

func (s *Server) HandleSearchBins(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "missing_query", "Query parameter 'q' is required")
		return
	}

	bins, err := s.store.SearchBins(userID(r), query)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ListBinsResponse{Bins: bins, Count: len(bins), Query: query})
}

func (s *Server) HandleGetBin(w http.ResponseWriter, r *http.Request) {
	bin, err := s.store.GetBinByID(userID(r), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, bin)
}

func (s *Server) HandleCreateBin(w http.ResponseWriter, r *http.Request) {
	var bin realtime.BinRecord
	if err := json.NewDecoder(r.Body).Decode(&bin); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be a JSON bin record")
		return
	}
	if bin.Title == "" {
		s.writeError(w, http.StatusBadRequest, "missing_title", "Bin title is required")
		return
	}

	created, err := s.store.CreateBin(userID(r), &bin)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) HandleUpdateBin(w http.ResponseWriter, r *http.Request) {
	var bin realtime.BinRecord
	if err := json.NewDecoder(r.Body).Decode(&bin); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be a JSON bin record")
		return
	}

	updated, err := s.store.UpdateBin(userID(r), r.PathValue("id"), &bin)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) HandleDeleteBin(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteBin(userID(r), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleRealtimeStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, RealtimeStatusResponse{
		ConnectedUsers:   s.registry.CountUsers(),
		TotalConnections: s.registry.CountConnections(),
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version.APIVersion(),
	})
}
