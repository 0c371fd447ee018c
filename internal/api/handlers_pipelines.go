// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	vlog "github.com/mfricke/visiond/internal/log"
	"github.com/mfricke/visiond/internal/pipeline"
	"github.com/mfricke/visiond/internal/stream"
)

func (s *Server) handlePipelineCreate(w http.ResponseWriter, r *http.Request) {
	var cfg pipeline.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.pipelines.Create(cfg)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	p, err := s.pipelines.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePipelineList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipelines.List())
}

func (s *Server) handlePipelineGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.pipelines.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePipelineUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var cfg pipeline.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pipelines.Update(id, cfg); err != nil {
		writeDomainError(w, err)
		return
	}
	p, err := s.pipelines.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePipelineDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.runtime.Active(id) {
		writeError(w, http.StatusBadRequest, pipeline.ErrRunning)
		return
	}
	if err := s.pipelines.Delete(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handlePipelineStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.pipelines.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.runtime.Active(id) {
		writeError(w, http.StatusBadRequest, pipeline.ErrRunning)
		return
	}
	if err := s.runtime.Start(p); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.pipelines.SetStatus(id, pipeline.StatusRunning); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(pipeline.StatusRunning)})
}

func (s *Server) handlePipelineStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.pipelines.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.runtime.Stop(id); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("pipeline %s is not running", id))
			return
		}
		writeDomainError(w, err)
		return
	}
	if err := s.pipelines.SetStatus(id, pipeline.StatusStopped); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(pipeline.StatusStopped)})
}

// handleStream serves the live multipart preview for one tier.
func (s *Server) handleStream(tier stream.Tier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.pipelines.Get(id); err != nil {
			writeDomainError(w, err)
			return
		}

		st, err := s.streams.Open(r.Context(), id, tier)
		switch {
		case err == nil:
		case errors.Is(err, stream.ErrNotReady):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, err)
			return
		case errors.Is(err, stream.ErrNotActive), errors.Is(err, stream.ErrNotInitialized):
			writeError(w, http.StatusBadRequest, err)
			return
		default:
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", stream.ContentType)
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.WriteHeader(http.StatusOK)

		frames := st.Serve(r.Context(), newFlushWriter(w))
		logger := vlog.FromContext(r.Context())
		logger.Debug().
			Str("pipeline_id", id).
			Str("tier", tier.Name).
			Uint64("frames", frames).
			Msg("preview stream closed")
	}
}

func (s *Server) handlePipelineExport(w http.ResponseWriter, r *http.Request) {
	filename, data, err := s.bundles.Export(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePipelineImport(w http.ResponseWriter, r *http.Request) {
	data, err := readBundleUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.bundles.Import(data)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// readBundleUpload accepts the archive either as a multipart "file" field or
// as the raw request body.
func readBundleUpload(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBundleBytes); err != nil {
			return nil, fmt.Errorf("parse upload: %w", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing upload field %q: %w", "file", err)
		}
		defer func() { _ = f.Close() }()
		return io.ReadAll(io.LimitReader(f, maxBundleBytes))
	}
	return io.ReadAll(io.LimitReader(r.Body, maxBundleBytes))
}

// flushWriter pushes every multipart chunk to the viewer immediately.
type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) flushWriter {
	fw := flushWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}
	return fw
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil && fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
