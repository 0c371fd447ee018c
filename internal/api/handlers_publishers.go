// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	vlog "github.com/mfricke/visiond/internal/log"
	"github.com/mfricke/visiond/internal/publish"
)

// destinationRequest is the request body for creating, updating or testing a
// destination. "type" is accepted as an alias of "kind"; bodies carrying
// neither are classified by the configuration shape.
type destinationRequest struct {
	Kind             string         `json:"kind"`
	Type             string         `json:"type"`
	Config           map[string]any `json:"config"`
	RateLimitSeconds float64        `json:"rate_limit"`
}

func (req *destinationRequest) kind() (string, error) {
	switch {
	case req.Kind != "":
		return req.Kind, nil
	case req.Type != "":
		return req.Type, nil
	}
	if kind := publish.InferKind(req.Config); kind != "" {
		return kind, nil
	}
	return "", fmt.Errorf("destination kind is required")
}

// buildDestination constructs and configures a destination from a request
// body, injecting the current node identity.
func (s *Server) buildDestination(req *destinationRequest, id string) (publish.Destination, error) {
	kind, err := req.kind()
	if err != nil {
		return nil, err
	}
	d, err := publish.New(kind, id)
	if err != nil {
		return nil, err
	}
	nodeID, nodeName := s.settings.NodeIdentity()
	d.SetContext(nodeID, nodeName)
	if err := d.Configure(req.Config); err != nil {
		return nil, err
	}
	if req.RateLimitSeconds > 0 {
		d.SetRateLimit(time.Duration(req.RateLimitSeconds * float64(time.Second)))
	}
	return d, nil
}

// persistDestinations writes the current destination set into the settings
// document.
func (s *Server) persistDestinations(w http.ResponseWriter) bool {
	if err := s.settings.SetDestinations(s.publisher.Snapshot()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return false
	}
	return true
}

func (s *Server) handlePublisherList(w http.ResponseWriter, _ *http.Request) {
	records := s.publisher.Snapshot()
	if records == nil {
		records = []publish.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handlePublisherCreate(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d, err := s.buildDestination(&req, "")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.publisher.Add(d)
	if !s.persistDestinations(w) {
		return
	}
	writeJSON(w, http.StatusCreated, publish.Serialize(d))
}

func (s *Server) handlePublisherUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.publisher.GetByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("destination %s not found", id))
		return
	}
	var req destinationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if kind, err := req.kind(); err == nil && kind != d.Kind() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("destination kind cannot change from %s to %s", d.Kind(), kind))
		return
	}
	if err := d.Configure(req.Config); err != nil {
		writeDomainError(w, err)
		return
	}
	d.SetRateLimit(time.Duration(req.RateLimitSeconds * float64(time.Second)))
	if !s.persistDestinations(w) {
		return
	}
	writeJSON(w, http.StatusOK, publish.Serialize(d))
}

func (s *Server) handlePublisherDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.publisher.RemoveByID(id) {
		writeError(w, http.StatusNotFound, fmt.Errorf("destination %s not found", id))
		return
	}
	if !s.persistDestinations(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handlePublisherTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"types": publish.Kinds()})
}

// handlePublisherTest delivers one test message through an ephemeral
// destination built from the request body. Nothing is registered.
func (s *Server) handlePublisherTest(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Test deliveries are never rate limited.
	req.RateLimitSeconds = 0
	d, err := s.buildDestination(&req, "")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			logger := vlog.FromContext(r.Context())
			logger.Warn().Err(cerr).Msg("close test destination")
		}
	}()

	nodeID, nodeName := s.settings.NodeIdentity()
	msg := publish.Message{
		"test":      true,
		"message":   "visiond destination test",
		"node_id":   nodeID,
		"node_name": nodeName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := d.Publish(r.Context(), msg); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// favoriteRequest is the request body for favorite presets. Pointer fields
// distinguish "absent" from "empty" on update.
type favoriteRequest struct {
	Name        *string        `json:"name"`
	Description *string        `json:"description"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
}

func (s *Server) handleFavoriteList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Favorites())
}

func (s *Server) handleFavoriteCreate(w http.ResponseWriter, r *http.Request) {
	var req favoriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name, description := "", ""
	if req.Name != nil {
		name = *req.Name
	}
	if req.Description != nil {
		description = *req.Description
	}
	fav, err := s.settings.AddFavorite(name, description, req.Type, req.Config)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fav)
}

func (s *Server) handleFavoriteGet(w http.ResponseWriter, r *http.Request) {
	fav, err := s.settings.GetFavorite(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fav)
}

func (s *Server) handleFavoriteUpdate(w http.ResponseWriter, r *http.Request) {
	var req favoriteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fav, err := s.settings.UpdateFavorite(chi.URLParam(r, "id"), req.Name, req.Description, req.Config)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fav)
}

func (s *Server) handleFavoriteDelete(w http.ResponseWriter, r *http.Request) {
	fav, err := s.settings.DeleteFavorite(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": fav.ID, "status": "deleted"})
}
