// SPDX-License-Identifier: MIT

package bundle

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mfricke/visiond/internal/fsutil"
	vlog "github.com/mfricke/visiond/internal/log"
	"github.com/mfricke/visiond/internal/metrics"
	"github.com/mfricke/visiond/internal/model"
	"github.com/mfricke/visiond/internal/pipeline"
)

// Codec packages pipelines into portable archives and restores them.
type Codec struct {
	pipelines *pipeline.Registry
	models    *model.Repository
	nodeName  func() string
}

// New creates a codec. nodeName supplies the exporting node identity written
// into export metadata.
func New(pipelines *pipeline.Registry, models *model.Repository, nodeName func() string) *Codec {
	return &Codec{pipelines: pipelines, models: models, nodeName: nodeName}
}

// Export packages the pipeline's configuration and model files into a zip
// archive. The returned filename derives from the pipeline name with
// non-filesystem-safe characters replaced.
func (c *Codec) Export(id string) (filename string, data []byte, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.BundleOps.WithLabelValues("export", outcome).Inc()
	}()

	p, err := c.pipelines.Get(id)
	if err != nil {
		return "", nil, err
	}

	doc := configDoc{
		Name:           p.Name,
		Description:    p.Description,
		FrameSource:    p.FrameSource,
		Model:          p.Model,
		Destinations:   p.Destinations,
		ExportMetadata: newExportMetadata(c.nodeName(), id),
	}

	files, err := c.collectModelFiles(p.Model.ID())
	if err != nil {
		return "", nil, err
	}
	for _, f := range files {
		if f.name == MetadataName {
			continue
		}
		doc.ExportMetadata.ModelFiles = append(doc.ExportMetadata.ModelFiles, f.name)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	if err := writeJSONEntry(zw, ConfigName, doc); err != nil {
		return "", nil, err
	}
	for _, f := range files {
		if err := f.writeTo(zw); err != nil {
			return "", nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return "", nil, fmt.Errorf("finalize bundle: %w", err)
	}

	filename = fsutil.SafeFileName(p.Name) + "_export.zip"
	logger := vlog.WithComponent("bundle")
	logger.Info().
		Str("pipeline_id", id).
		Str("filename", filename).
		Int("model_files", len(files)).
		Msg("pipeline exported")
	return filename, buf.Bytes(), nil
}

// archiveFile is one pending models/ entry: either a disk file or an inline
// document.
type archiveFile struct {
	name   string
	path   string
	inline []byte
}

func (f *archiveFile) writeTo(zw *zip.Writer) error {
	w, err := zw.Create(ModelsDir + "/" + f.name)
	if err != nil {
		return fmt.Errorf("create bundle entry %s: %w", f.name, err)
	}
	if f.inline != nil {
		_, err = w.Write(f.inline)
		if err != nil {
			return fmt.Errorf("write bundle entry %s: %w", f.name, err)
		}
		return nil
	}
	src, err := os.Open(f.path) // #nosec G304 -- path comes from the model repository
	if err != nil {
		return fmt.Errorf("open model file %s: %w", f.name, err)
	}
	defer func() { _ = src.Close() }()
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copy model file %s: %w", f.name, err)
	}
	return nil
}

// collectModelFiles resolves the pipeline's model to the primary binary, any
// sibling files sharing its filename stem, and the metadata document. A
// pipeline without a resolvable model exports with an empty models/ area.
func (c *Codec) collectModelFiles(modelID string) ([]*archiveFile, error) {
	if modelID == "" {
		return nil, nil
	}
	logger := vlog.WithComponent("bundle").With().Str("model_id", modelID).Logger()

	meta, err := c.models.Get(modelID)
	if err != nil {
		logger.Warn().Err(err).Msg("model metadata unavailable, exporting without model files")
		return nil, nil
	}
	primary, err := c.models.Path(modelID)
	if err != nil {
		logger.Warn().Err(err).Msg("model binary unavailable, exporting without model files")
		return nil, nil
	}

	files := []*archiveFile{{name: meta.StoredFilename, path: primary}}

	stem := fsutil.Stem(meta.StoredFilename)
	dir := filepath.Dir(primary)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan model dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == meta.StoredFilename || !strings.HasPrefix(name, stem) || entry.IsDir() {
			continue
		}
		files = append(files, &archiveFile{name: name, path: filepath.Join(dir, name)})
	}

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode model metadata: %w", err)
	}
	files = append(files, &archiveFile{name: MetadataName, inline: metaJSON})
	return files, nil
}

func writeJSONEntry(zw *zip.Writer, name string, v any) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create bundle entry %s: %w", name, err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write bundle entry %s: %w", name, err)
	}
	return nil
}
