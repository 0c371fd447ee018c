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
	"sort"
	"strings"

	"github.com/mfricke/visiond/internal/fsutil"
	vlog "github.com/mfricke/visiond/internal/log"
	"github.com/mfricke/visiond/internal/metrics"
	"github.com/mfricke/visiond/internal/model"
	"github.com/mfricke/visiond/internal/pipeline"
)

// Import restores a pipeline from archive bytes. The imported model is always
// re-stored under a fresh id; re-importing the same archive yields another
// independent pipeline and model copy.
func (c *Codec) Import(data []byte) (res *ImportResult, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.BundleOps.WithLabelValues("import", outcome).Inc()
	}()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ValidationError{Reason: "malformed archive: " + err.Error()}
	}

	scratch, err := os.MkdirTemp("", "visiond-import-")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	if err := extract(zr, scratch); err != nil {
		return nil, err
	}

	doc, err := readConfig(scratch)
	if err != nil {
		return nil, err
	}

	newModelID, err := c.restoreModel(scratch, doc)
	if err != nil {
		return nil, err
	}
	if newModelID != "" {
		doc.Model["id"] = newModelID
	}

	name := c.resolveName(doc.Name)

	cfg := pipeline.Config{
		Name:         name,
		Description:  doc.Description,
		FrameSource:  doc.FrameSource,
		Model:        pipeline.ModelRef(doc.Model),
		Destinations: doc.Destinations,
	}
	if cfg.Destinations == nil {
		cfg.Destinations = []map[string]any{}
	}

	pipelineID, err := c.pipelines.Create(cfg)
	if err != nil {
		return nil, err
	}

	logger := vlog.WithComponent("bundle")
	logger.Info().
		Str("pipeline_id", pipelineID).
		Str("pipeline_name", name).
		Str("model_id", newModelID).
		Msg("pipeline imported")
	return &ImportResult{PipelineID: pipelineID, PipelineName: name, ModelID: newModelID}, nil
}

// extract unpacks the archive into dir, rejecting entries that would escape
// it.
func extract(zr *zip.Reader, dir string) error {
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return &ValidationError{Reason: "unsafe entry path " + f.Name}
		}
		target := filepath.Join(dir, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("extract %s: %w", name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
		src, err := f.Open()
		if err != nil {
			return &ValidationError{Reason: "unreadable entry " + name}
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 -- confined above
		if err != nil {
			_ = src.Close()
			return fmt.Errorf("extract %s: %w", name, err)
		}
		_, err = io.Copy(dst, src)
		_ = src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
	}
	return nil
}

func readConfig(scratch string) (*configDoc, error) {
	data, err := os.ReadFile(filepath.Join(scratch, ConfigName)) // #nosec G304 -- scratch dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, missing(ConfigName)
		}
		return nil, fmt.Errorf("read %s: %w", ConfigName, err)
	}
	var doc configDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ValidationError{Reason: "malformed " + ConfigName + ": " + err.Error()}
	}
	switch {
	case doc.Name == "":
		return nil, missing("name")
	case doc.FrameSource == nil:
		return nil, missing("frame_source")
	case doc.Model == nil:
		return nil, missing("model")
	}
	return &doc, nil
}

// restoreModel re-stores the bundled model under a fresh id and carries its
// sibling files over, renamed to the new base name. Returns "" when the
// bundle has no models/ area or no model files.
func (c *Codec) restoreModel(scratch string, doc *configDoc) (string, error) {
	modelsDir := filepath.Join(scratch, ModelsDir)
	entries, err := os.ReadDir(modelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("scan bundle models: %w", err)
	}

	var meta *model.Metadata
	if data, err := os.ReadFile(filepath.Join(modelsDir, MetadataName)); err == nil { // #nosec G304 -- scratch dir
		meta = &model.Metadata{}
		if err := json.Unmarshal(data, meta); err != nil {
			logger := vlog.WithComponent("bundle")
			logger.Warn().Err(err).Msg("unreadable model metadata in bundle, ignoring")
			meta = nil
		}
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == MetadataName {
			continue
		}
		files = append(files, entry.Name())
	}
	if len(files) == 0 {
		return "", nil
	}
	sort.Strings(files)

	// The metadata's stored filename picks the main file when it is present
	// among the extracted files; otherwise the first file wins.
	mainFile := files[0]
	if meta != nil && meta.StoredFilename != "" {
		for _, f := range files {
			if f == meta.StoredFilename {
				mainFile = meta.StoredFilename
				break
			}
		}
	}

	originalFilename := mainFile
	displayName := fsutil.Stem(mainFile)
	if meta != nil {
		if meta.OriginalFilename != "" {
			originalFilename = meta.OriginalFilename
			displayName = fsutil.Stem(originalFilename)
		}
		if meta.Name != "" {
			displayName = meta.Name
		}
	}
	engineType, _ := doc.Model["engine_type"].(string)
	if engineType == "" {
		engineType = "unknown"
	}
	description := fmt.Sprintf("Imported with pipeline: %s", doc.Name)

	src, err := os.Open(filepath.Join(modelsDir, mainFile)) // #nosec G304 -- scratch dir
	if err != nil {
		return "", fmt.Errorf("open bundled model: %w", err)
	}
	newID, err := c.models.Store(src, originalFilename, engineType, description, displayName)
	_ = src.Close()
	if err != nil {
		return "", err
	}

	if err := c.copySiblings(modelsDir, files, mainFile, newID); err != nil {
		return "", err
	}
	return newID, nil
}

// copySiblings moves every non-main model file into the new model's storage
// directory, renamed to {new base name}{original extension} so they stay
// associated with the new id.
func (c *Codec) copySiblings(modelsDir string, files []string, mainFile, newID string) error {
	newMeta, err := c.models.Get(newID)
	if err != nil {
		return err
	}
	newDir, err := c.models.Dir(newID)
	if err != nil {
		return err
	}
	newBase := fsutil.Stem(newMeta.StoredFilename)

	for _, f := range files {
		if f == mainFile {
			continue
		}
		dest := filepath.Join(newDir, newBase+filepath.Ext(f))
		if err := copyFile(filepath.Join(modelsDir, f), dest); err != nil {
			return fmt.Errorf("copy sibling %s: %w", f, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- scratch dir
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 -- model dir
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// resolveName appends " (imported N)" until the name is unique among current
// pipelines.
func (c *Codec) resolveName(name string) string {
	existing := c.pipelines.Names()
	candidate := name
	for n := 1; ; n++ {
		if _, taken := existing[candidate]; !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%s (imported %d)", name, n)
	}
}
