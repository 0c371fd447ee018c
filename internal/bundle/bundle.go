// SPDX-License-Identifier: MIT

// Package bundle builds and parses the pipeline portability archive: a zip
// with one root configuration document and a models/ area holding the model
// binary, its sibling files and a metadata document.
package bundle

import (
	"fmt"
	"time"
)

const (
	// ConfigName is the root configuration document inside the archive.
	ConfigName = "pipeline_config.json"
	// ModelsDir is the archive area holding model files.
	ModelsDir = "models"
	// MetadataName is the model metadata document inside ModelsDir.
	MetadataName = "model_metadata.json"
	// FormatVersion is written into every exported bundle.
	FormatVersion = "1.0"
)

// ValidationError reports a malformed or incomplete bundle.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid pipeline bundle: " + e.Reason
}

func missing(what string) *ValidationError {
	return &ValidationError{Reason: "missing " + what}
}

// ExportMetadata records provenance inside the root configuration document.
// It is stripped again on import.
type ExportMetadata struct {
	ExportedBy string   `json:"exported_by"`
	ExportDate string   `json:"export_date"`
	PipelineID string   `json:"pipeline_id"`
	Version    string   `json:"version"`
	ModelFiles []string `json:"model_files,omitempty"`
}

// configDoc is the wire form of the root configuration document.
type configDoc struct {
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	FrameSource    map[string]any   `json:"frame_source"`
	Model          map[string]any   `json:"model"`
	Destinations   []map[string]any `json:"destinations"`
	ExportMetadata *ExportMetadata  `json:"export_metadata,omitempty"`
}

func newExportMetadata(nodeName, pipelineID string) *ExportMetadata {
	return &ExportMetadata{
		ExportedBy: nodeName,
		ExportDate: time.Now().UTC().Format(time.RFC3339),
		PipelineID: pipelineID,
		Version:    FormatVersion,
	}
}

// ImportResult reports what an import created.
type ImportResult struct {
	PipelineID   string `json:"pipeline_id"`
	PipelineName string `json:"pipeline_name"`
	ModelID      string `json:"model_id,omitempty"`
}

func (r *ImportResult) String() string {
	return fmt.Sprintf("pipeline %q (%s)", r.PipelineName, r.PipelineID)
}
