package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// debugGroupView is the read-only summary returned by /debug/groups/{id}.
// Field names are operator-facing, not a wire contract with any client.
type debugGroupView struct {
	ClientGroupID string `json:"clientGroupId"`
	State         string `json:"state"`
	StateVersion  string `json:"stateVersion"`
	MinorVersion  uint32 `json:"minorVersion"`
	ClientCount   int    `json:"clientCount"`
	QueryCount    int    `json:"queryCount"`
	RowCount      int    `json:"rowCount"`
}

func (s *Server) handleDebugGroup(w http.ResponseWriter, r *http.Request) {
	clientGroupID := mux.Vars(r)["clientGroupID"]

	svc, ok := s.registry.Get(clientGroupID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "group not running in this process"})
		return
	}

	snap, err := svc.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, debugGroupView{
		ClientGroupID: snap.ClientGroupID,
		State:         snap.State.String(),
		StateVersion:  snap.Version.StateVersion,
		MinorVersion:  snap.Version.MinorVersion,
		ClientCount:   snap.ClientCount,
		QueryCount:    snap.QueryCount,
		RowCount:      snap.RowCount,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
