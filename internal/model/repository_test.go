// SPDX-License-Identifier: MIT

package model

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	base := t.TempDir()
	repo, err := Open(filepath.Join(base, "models"), filepath.Join(base, "meta"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestStoreAndGet(t *testing.T) {
	repo := newRepo(t)

	id, err := repo.Store(strings.NewReader("weights"), "yolo v8.onnx", "onnx", "object detection", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	meta, err := repo.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, meta.ID)
	assert.Equal(t, "yolo v8", meta.Name, "display name defaults to the original stem")
	assert.Equal(t, "yolo v8.onnx", meta.OriginalFilename)
	assert.Equal(t, "yolo_v8.onnx", meta.StoredFilename, "stored name is sanitized")
	assert.Equal(t, "onnx", meta.EngineType)
	assert.Equal(t, int64(len("weights")), meta.SizeBytes)

	path, err := repo.Path(id)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestStoreWithDisplayName(t *testing.T) {
	repo := newRepo(t)

	id, err := repo.Store(strings.NewReader("x"), "upload.bin", "tensorrt", "", "Front Door")
	require.NoError(t, err)
	meta, err := repo.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "Front Door", meta.Name)
	assert.Equal(t, "Front_Door.bin", meta.StoredFilename)
}

func TestGetUnknown(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.Path("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	repo := newRepo(t)
	id, err := repo.Store(strings.NewReader("x"), "m.onnx", "onnx", "", "")
	require.NoError(t, err)

	dir, err := repo.Dir(id)
	require.NoError(t, err)
	require.NoError(t, repo.Delete(id))

	_, err = repo.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "storage directory must be removed")

	assert.ErrorIs(t, repo.Delete(id), ErrNotFound)
}

func TestListOrdered(t *testing.T) {
	repo := newRepo(t)
	first, err := repo.Store(strings.NewReader("a"), "a.onnx", "onnx", "", "")
	require.NoError(t, err)
	second, err := repo.Store(strings.NewReader("b"), "b.onnx", "onnx", "", "")
	require.NoError(t, err)

	list, err := repo.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
}
