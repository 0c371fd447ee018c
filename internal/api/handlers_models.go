// SPDX-License-Identifier: MIT

package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mfricke/visiond/internal/model"
)

// maxModelBytes caps the accepted size of an uploaded model binary.
const maxModelBytes = 2 << 30

func (s *Server) handleModelUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxModelBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing upload field %q: %w", "file", err))
		return
	}
	defer func() { _ = f.Close() }()

	engineType := r.FormValue("engine_type")
	if engineType == "" {
		engineType = "unknown"
	}

	id, err := s.models.Store(f, header.Filename, engineType, r.FormValue("description"), r.FormValue("name"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	meta, err := s.models.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleModelList(w http.ResponseWriter, _ *http.Request) {
	models, err := s.models.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if models == nil {
		models = []*model.Metadata{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleModelGet(w http.ResponseWriter, r *http.Request) {
	meta, err := s.models.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleModelDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.models.Delete(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
