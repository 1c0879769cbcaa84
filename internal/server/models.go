package server

import (
	"net/http"
	"time"

	gateway "github.com/istari-ai/istari/internal"
)

// handleListModels returns the model surface visible to the caller
// (canonical IDs, aliases, combos) as an OpenAI-compatible list.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	tenant := ""
	if id := gateway.IdentityFromContext(r.Context()); id != nil {
		tenant = id.TenantID
	}
	models := s.deps.Engine.Snapshot().Resolver.Models(tenant)

	now := time.Now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:           m.ID,
			Object:       "model",
			Created:      now,
			OwnedBy:      "istari",
			Capabilities: m.Capabilities,
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID           string               `json:"id"`
	Object       string               `json:"object"`
	Created      int64                `json:"created"`
	OwnedBy      string               `json:"owned_by"`
	Capabilities gateway.Capabilities `json:"capabilities"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
