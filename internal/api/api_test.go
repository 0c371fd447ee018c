// SPDX-License-Identifier: MIT

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfricke/visiond/internal/bundle"
	"github.com/mfricke/visiond/internal/config"
	"github.com/mfricke/visiond/internal/model"
	"github.com/mfricke/visiond/internal/pipeline"
	"github.com/mfricke/visiond/internal/publish"
	"github.com/mfricke/visiond/internal/settings"
	"github.com/mfricke/visiond/internal/stream"
)

type testEnv struct {
	srv       *httptest.Server
	runtime   *pipeline.Runtime
	pipelines *pipeline.Registry
	store     *settings.Store
}

// idleProducer runs but never emits a frame, for exercising the 503 path.
type idleProducer struct{}

func (idleProducer) Produce(ctx context.Context, _ func(image.Image)) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	base := t.TempDir()

	cfg := config.Defaults()
	cfg.DataDir = base
	cfg.RateLimitRPS = 0 // the limiter is exercised separately, not here
	cfg.StreamStartupBudget = 300 * time.Millisecond

	store, err := settings.Load(cfg.SettingsPath())
	require.NoError(t, err)

	models, err := model.Open(cfg.ModelsDir(), cfg.MetaDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = models.Close() })

	pipelines, err := pipeline.NewRegistry(cfg.PipelinesPath())
	require.NoError(t, err)

	factory := pipeline.FactoryFunc(func(fs map[string]any) (pipeline.Producer, error) {
		if typ, _ := fs["type"].(string); typ == "idle" {
			return idleProducer{}, nil
		}
		return pipeline.DefaultFactory().New(fs)
	})
	runtime := pipeline.NewRuntime(factory)
	t.Cleanup(runtime.StopAll)

	streams := stream.New(func(id string) (stream.Accessor, bool) {
		inst, ok := runtime.Get(id)
		if !ok {
			return nil, false
		}
		return inst, true
	}, cfg.StreamStartupBudget)

	bundles := bundle.New(pipelines, models, func() string {
		_, name := store.NodeIdentity()
		return name
	})

	publisher := publish.NewPublisher()
	t.Cleanup(publisher.Close)

	server := New(cfg, "test", pipelines, runtime, streams, models, bundles, publisher, store)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, runtime: runtime, pipelines: pipelines, store: store}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var doc map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && json.Valid(data) && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &doc))
	}
	return resp, doc
}

func validPipelineBody(name string) map[string]any {
	return map[string]any{
		"name":         name,
		"frame_source": map[string]any{"type": "synthetic", "width": 64, "height": 48, "fps": 60},
		"model":        map[string]any{"engine_type": "onnx"},
		"destinations": []map[string]any{},
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp, doc := e.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", doc["status"])
}

func TestPipelineCRUD(t *testing.T) {
	e := newTestEnv(t)

	resp, created := e.request(t, http.MethodPost, "/api/pipelines", validPipelineBody("cam-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "created", created["status"])

	resp, got := e.request(t, http.MethodGet, "/api/pipelines/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cam-1", got["name"])

	body := validPipelineBody("cam-1-renamed")
	resp, got = e.request(t, http.MethodPut, "/api/pipelines/"+id, body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cam-1-renamed", got["name"])

	resp, _ = e.request(t, http.MethodDelete, "/api/pipelines/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.request(t, http.MethodGet, "/api/pipelines/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPipelineValidation(t *testing.T) {
	e := newTestEnv(t)
	body := validPipelineBody("")
	resp, doc := e.request(t, http.MethodPost, "/api/pipelines", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing required field: name", doc["error"])
}

func TestPipelineStartStop(t *testing.T) {
	e := newTestEnv(t)
	_, created := e.request(t, http.MethodPost, "/api/pipelines", validPipelineBody("cam-1"))
	id := created["id"].(string)

	resp, doc := e.request(t, http.MethodPost, "/api/pipelines/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", doc["status"])

	// Starting twice is an invalid transition.
	resp, _ = e.request(t, http.MethodPost, "/api/pipelines/"+id+"/start", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A running pipeline can be neither updated nor deleted.
	resp, _ = e.request(t, http.MethodPut, "/api/pipelines/"+id, validPipelineBody("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.request(t, http.MethodDelete, "/api/pipelines/"+id, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, doc = e.request(t, http.MethodPost, "/api/pipelines/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", doc["status"])

	resp, _ = e.request(t, http.MethodPost, "/api/pipelines/"+id+"/stop", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.request(t, http.MethodPost, "/api/pipelines/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamStatusMapping(t *testing.T) {
	e := newTestEnv(t)

	// Unknown pipeline: 404.
	resp, _ := e.request(t, http.MethodGet, "/api/pipelines/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Known but not running: 400.
	_, created := e.request(t, http.MethodPost, "/api/pipelines", validPipelineBody("cam-1"))
	id := created["id"].(string)
	resp, _ = e.request(t, http.MethodGet, "/api/pipelines/"+id+"/stream", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Running but no frame within the startup budget: 503, retryable.
	_, idleCreated := e.request(t, http.MethodPost, "/api/pipelines", map[string]any{
		"name":         "idle-cam",
		"frame_source": map[string]any{"type": "idle"},
		"model":        map[string]any{},
		"destinations": []map[string]any{},
	})
	idleID := idleCreated["id"].(string)
	resp, _ = e.request(t, http.MethodPost, "/api/pipelines/"+idleID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.request(t, http.MethodGet, "/api/pipelines/"+idleID+"/stream", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestStreamDeliversMultipart(t *testing.T) {
	e := newTestEnv(t)
	_, created := e.request(t, http.MethodPost, "/api/pipelines", validPipelineBody("cam-1"))
	id := created["id"].(string)
	resp, _ := e.request(t, http.MethodPost, "/api/pipelines/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Wait for the first frame so the stream opens without hitting the budget.
	require.Eventually(t, func() bool {
		inst, ok := e.runtime.Get(id)
		return ok && inst.LatestFrame() != nil
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/pipelines/"+id+"/stream", nil)
	require.NoError(t, err)
	streamResp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = streamResp.Body.Close() }()

	require.Equal(t, http.StatusOK, streamResp.StatusCode)
	assert.Equal(t, stream.ContentType, streamResp.Header.Get("Content-Type"))
	assert.Contains(t, streamResp.Header.Get("Cache-Control"), "no-cache")

	// The body opens with the boundary and a JPEG part.
	br := bufio.NewReader(streamResp.Body)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", line)
}

func TestBundleExportImportViaAPI(t *testing.T) {
	e := newTestEnv(t)
	_, created := e.request(t, http.MethodPost, "/api/pipelines", validPipelineBody("cam-1"))
	id := created["id"].(string)

	resp, err := e.srv.Client().Get(e.srv.URL + "/api/pipelines/" + id + "/export")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "cam-1_export.zip")
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	importResp, err := e.srv.Client().Post(e.srv.URL+"/api/pipelines/import", "application/zip", bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = importResp.Body.Close() }()
	require.Equal(t, http.StatusCreated, importResp.StatusCode)
	var res map[string]any
	require.NoError(t, json.NewDecoder(importResp.Body).Decode(&res))
	assert.Equal(t, "cam-1 (imported 1)", res["pipeline_name"])

	badResp, err := e.srv.Client().Post(e.srv.URL+"/api/pipelines/import", "application/zip", strings.NewReader("garbage"))
	require.NoError(t, err)
	defer func() { _ = badResp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestPublisherEndpoints(t *testing.T) {
	e := newTestEnv(t)
	sinkPath := filepath.Join(t.TempDir(), "results.ndjson")

	resp, created := e.request(t, http.MethodPost, "/api/publishers", map[string]any{
		"kind":       publish.KindFile,
		"config":     map[string]any{"file_path": sinkPath},
		"rate_limit": 0.5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.Equal(t, publish.KindFile, created["kind"])

	// Legacy-shaped body without a kind still classifies structurally.
	resp, legacy := e.request(t, http.MethodPost, "/api/publishers", map[string]any{
		"config": map[string]any{"url": "http://example.com/hook"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, publish.KindWebhook, legacy["kind"])

	resp, _ = e.request(t, http.MethodGet, "/api/publishers", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Mutations are persisted into the settings document.
	assert.Len(t, e.store.Destinations(), 2)

	resp, _ = e.request(t, http.MethodPut, "/api/publishers/"+id, map[string]any{
		"kind":   publish.KindFile,
		"config": map[string]any{"file_path": sinkPath},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The kind of an existing destination is immutable.
	resp, _ = e.request(t, http.MethodPut, "/api/publishers/"+id, map[string]any{
		"kind":   publish.KindWebhook,
		"config": map[string]any{"url": "http://example.com"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.request(t, http.MethodDelete, "/api/publishers/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.request(t, http.MethodDelete, "/api/publishers/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Len(t, e.store.Destinations(), 1)

	resp, doc := e.request(t, http.MethodGet, "/api/publishers/types", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	types, _ := doc["types"].([]any)
	assert.Len(t, types, 5)

	resp, doc = e.request(t, http.MethodPost, "/api/publishers/test", map[string]any{
		"kind":   publish.KindFile,
		"config": map[string]any{"file_path": filepath.Join(t.TempDir(), "t.ndjson")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, doc["success"])
}

func TestFavoriteEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp, created := e.request(t, http.MethodPost, "/api/publishers/favorites", map[string]any{
		"name":   "Lab broker",
		"type":   "nats",
		"config": map[string]any{"server": "lab", "topic": "t"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	resp, _ = e.request(t, http.MethodPost, "/api/publishers/favorites", map[string]any{
		"name":   "lab BROKER",
		"type":   "nats",
		"config": map[string]any{},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, got := e.request(t, http.MethodGet, "/api/publishers/favorites/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Lab broker", got["name"])

	resp, got = e.request(t, http.MethodPut, "/api/publishers/favorites/"+id, map[string]any{
		"name": "Lab broker v2",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Lab broker v2", got["name"])

	resp, _ = e.request(t, http.MethodDelete, "/api/publishers/favorites/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.request(t, http.MethodGet, "/api/publishers/favorites/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNodeEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp, doc := e.request(t, http.MethodGet, "/api/node", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, doc["node_id"])
	assert.Equal(t, "test", doc["version"])

	resp, doc = e.request(t, http.MethodPut, "/api/node/name", map[string]any{"name": "bench-node"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bench-node", doc["node_name"])

	resp, _ = e.request(t, http.MethodPut, "/api/node/name", map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTelemetryEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp, doc := e.request(t, http.MethodGet, "/api/telemetry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, doc["enabled"])

	resp, _ = e.request(t, http.MethodPut, "/api/telemetry", map[string]any{
		"enabled": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "enabled telemetry needs server and topic")

	resp, doc = e.request(t, http.MethodPut, "/api/telemetry", map[string]any{
		"enabled":          true,
		"publish_interval": 15,
		"server":           "broker.local",
		"topic":            "nodes/{node_id}/telemetry",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, doc["enabled"])
	assert.Equal(t, float64(15), doc["publish_interval"])
}

func TestModelEndpoints(t *testing.T) {
	e := newTestEnv(t)

	var buf bytes.Buffer
	mw := newMultipart(t, &buf, "weights", "detector.onnx", map[string]string{
		"engine_type": "onnx",
		"name":        "Detector",
	})

	resp, err := e.srv.Client().Post(e.srv.URL+"/api/models", mw, &buf)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var meta map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	id := meta["id"].(string)
	assert.Equal(t, "Detector", meta["name"])

	listResp, _ := e.request(t, http.MethodGet, "/api/models", nil)
	assert.Equal(t, http.StatusOK, listResp.StatusCode)

	getResp, got := e.request(t, http.MethodGet, "/api/models/"+id, nil)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	assert.Equal(t, "onnx", got["engine_type"])

	delResp, _ := e.request(t, http.MethodDelete, "/api/models/"+id, nil)
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
	getResp, _ = e.request(t, http.MethodGet, "/api/models/"+id, nil)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

// newMultipart builds a multipart body with one file part plus form fields and
// returns its content type.
func newMultipart(t *testing.T, buf *bytes.Buffer, content, filename string, fields map[string]string) string {
	t.Helper()
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return mw.FormDataContentType()
}
