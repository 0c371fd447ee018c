// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"

	"github.com/mfricke/visiond/internal/settings"
)

func (s *Server) handleNodeGet(w http.ResponseWriter, _ *http.Request) {
	nodeID, nodeName := s.settings.NodeIdentity()
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":    nodeID,
		"node_name":  nodeName,
		"version":    s.version,
		"pipelines":  len(s.pipelines.List()),
		"publishers": s.publisher.Len(),
	})
}

func (s *Server) handleNodeRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.settings.SetNodeName(req.Name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Destinations substitute {node_name} at configure time; refresh their
	// identity so future reconfigurations see the new name.
	nodeID, nodeName := s.settings.NodeIdentity()
	for _, d := range s.publisher.List() {
		d.SetContext(nodeID, nodeName)
	}
	writeJSON(w, http.StatusOK, map[string]string{"node_id": nodeID, "node_name": nodeName})
}

func (s *Server) handleTelemetryGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Telemetry())
}

func (s *Server) handleTelemetryUpdate(w http.ResponseWriter, r *http.Request) {
	var t settings.Telemetry
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if t.Enabled && (t.Server == "" || t.Topic == "") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("enabled telemetry requires server and topic"))
		return
	}
	if err := s.settings.SetTelemetry(t); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Telemetry())
}
