package server

import (
	"net/http"
	"time"
)

// handleListModels returns the registered catalog in OpenAI list format.
func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	backends := s.deps.Registry.List()

	now := time.Now().Unix()
	data := make([]modelEntry, len(backends))
	for i, b := range backends {
		data[i] = modelEntry{
			ID:      b.Name,
			Object:  "model",
			Created: now,
			OwnedBy: b.Provider,
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
