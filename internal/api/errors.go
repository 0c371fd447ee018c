// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mfricke/visiond/internal/bundle"
	"github.com/mfricke/visiond/internal/model"
	"github.com/mfricke/visiond/internal/pipeline"
	"github.com/mfricke/visiond/internal/publish"
	"github.com/mfricke/visiond/internal/settings"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the canonical error payload.
func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeDomainError maps domain errors onto status codes: unknown ids are 404,
// invalid input and illegal state transitions are 400, name conflicts are 409,
// everything else is a 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		missingField *pipeline.MissingFieldError
		invalidCfg   *publish.ConfigError
		badBundle    *bundle.ValidationError
		dupName      *settings.DuplicateNameError
	)
	switch {
	case errors.Is(err, pipeline.ErrNotFound),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, settings.ErrFavoriteNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pipeline.ErrRunning):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &missingField),
		errors.As(err, &invalidCfg),
		errors.As(err, &badBundle):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &dupName):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// decodeJSON parses the request body into v, rejecting unknown garbage early.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
