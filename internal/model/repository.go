// SPDX-License-Identifier: MIT

// Package model implements the model repository: model binaries on disk, one
// directory per model, with metadata records kept in a Badger store.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/mfricke/visiond/internal/fsutil"
	vlog "github.com/mfricke/visiond/internal/log"
)

// ErrNotFound is returned when a model id is unknown.
var ErrNotFound = errors.New("model not found")

const keyPrefix = "model:"

// Metadata describes one stored model binary.
type Metadata struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	OriginalFilename string    `json:"original_filename"`
	StoredFilename   string    `json:"stored_filename"`
	StoredPath       string    `json:"stored_path"`
	EngineType       string    `json:"engine_type"`
	Description      string    `json:"description"`
	UploadedAt       time.Time `json:"uploaded_at"`
	SizeBytes        int64     `json:"size_bytes"`
}

// Repository is the content store for model binaries plus their metadata.
type Repository struct {
	db  *badger.DB
	dir string
}

// Open opens the repository with binaries under dir and metadata under
// metaDir.
func Open(dir, metaDir string) (*Repository, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}
	opts := badger.DefaultOptions(metaDir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open model metadata store: %w", err)
	}
	return &Repository{db: db, dir: dir}, nil
}

// Close releases the metadata store.
func (r *Repository) Close() error { return r.db.Close() }

// Store copies the model binary into the repository under a fresh id and
// records its metadata. displayName, when set, names both the metadata record
// and the stored file; otherwise the original filename's stem is used.
func (r *Repository) Store(src io.Reader, originalName, engineType, description, displayName string) (string, error) {
	id := uuid.NewString()
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = fsutil.Stem(originalName)
	}
	ext := filepath.Ext(originalName)
	storedFilename := fsutil.SafeFileName(name) + ext

	modelDir := filepath.Join(r.dir, id)
	if err := os.MkdirAll(modelDir, 0o750); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}
	storedPath := filepath.Join(modelDir, storedFilename)

	size, err := writeFile(storedPath, src)
	if err != nil {
		_ = os.RemoveAll(modelDir)
		return "", err
	}

	meta := &Metadata{
		ID:               id,
		Name:             name,
		OriginalFilename: originalName,
		StoredFilename:   storedFilename,
		StoredPath:       storedPath,
		EngineType:       engineType,
		Description:      description,
		UploadedAt:       time.Now().UTC(),
		SizeBytes:        size,
	}
	if err := r.put(meta); err != nil {
		_ = os.RemoveAll(modelDir)
		return "", err
	}
	logger := vlog.WithComponent("model")
	logger.Info().
		Str("model_id", id).
		Str("stored_filename", storedFilename).
		Int64("size_bytes", size).
		Msg("model stored")
	return id, nil
}

func writeFile(path string, src io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 -- path built from uuid
	if err != nil {
		return 0, fmt.Errorf("create model file: %w", err)
	}
	size, err := io.Copy(f, src)
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("write model file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close model file: %w", err)
	}
	return size, nil
}

func (r *Repository) put(meta *Metadata) error {
	buf, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode model metadata: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+meta.ID), buf)
	})
	if err != nil {
		return fmt.Errorf("store model metadata: %w", err)
	}
	return nil
}

// Get returns the metadata record for a model id.
func (r *Repository) Get(id string) (*Metadata, error) {
	var out Metadata
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load model metadata: %w", err)
	}
	return &out, nil
}

// Path returns the on-disk path of the model's primary binary.
func (r *Repository) Path(id string) (string, error) {
	meta, err := r.Get(id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(meta.StoredPath); err != nil {
		return "", fmt.Errorf("model binary missing: %w", err)
	}
	return meta.StoredPath, nil
}

// Dir returns the storage directory holding the model's binary and any
// sibling files.
func (r *Repository) Dir(id string) (string, error) {
	meta, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return filepath.Dir(meta.StoredPath), nil
}

// Delete removes the model's metadata and its storage directory.
func (r *Repository) Delete(id string) error {
	meta, err := r.Get(id)
	if err != nil {
		return err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + id))
	})
	if err != nil {
		return fmt.Errorf("delete model metadata: %w", err)
	}
	if err := os.RemoveAll(filepath.Dir(meta.StoredPath)); err != nil {
		return fmt.Errorf("delete model files: %w", err)
	}
	return nil
}

// List returns all metadata records ordered by upload time.
func (r *Repository) List() ([]*Metadata, error) {
	var out []*Metadata
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var meta Metadata
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				return err
			}
			out = append(out, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list model metadata: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}
