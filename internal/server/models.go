package server

import (
	"net/http"
	"time"
)

// handleListModels returns the enabled route keys as an OpenAI-compatible
// model list.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	configs, err := s.deps.Router.ListModels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	now := time.Now().Unix()
	data := make([]modelEntry, len(configs))
	for i, c := range configs {
		data[i] = modelEntry{
			ID:      c.RouteKey,
			Object:  "model",
			Created: now,
			OwnedBy: c.Provider,
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
