package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/imagesaver/internal/domain"
	"github.com/dunamismax/imagesaver/internal/images"
	"github.com/dunamismax/imagesaver/internal/pipeline"
	"github.com/dunamismax/imagesaver/internal/queue"
	"github.com/dunamismax/imagesaver/internal/ratelimit"
	"github.com/dunamismax/imagesaver/internal/saver"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImages struct {
	mu        sync.Mutex
	fetches   []images.FetchRequest
	uploads   []string
	processed map[string]domain.ProcessImageRequest
	saved     map[string]domain.SavedImage
	byID      map[string]domain.SavedImage
	failed    []string
	err       error
}

func newFakeImages() *fakeImages {
	return &fakeImages{
		processed: map[string]domain.ProcessImageRequest{},
		saved:     map[string]domain.SavedImage{},
		byID:      map[string]domain.SavedImage{},
	}
}

func (f *fakeImages) Fetch(_ context.Context, req images.FetchRequest) (domain.SavedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, req)
	if f.err != nil {
		return domain.SavedImage{}, f.err
	}
	return domain.SavedImage{ID: "img-1", FileName: "a.png", Format: "png", SourceKind: domain.SourceKindURL, ObjectKey: "images/img-1/a.png"}, nil
}

func (f *fakeImages) Upload(_ context.Context, src saver.UploadSource, name string, _ domain.ProcessImageRequest) (domain.SavedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, name)
	if f.err != nil {
		return domain.SavedImage{}, f.err
	}
	if _, err := io.Copy(io.Discard, src.Body); err != nil {
		return domain.SavedImage{}, err
	}
	return domain.SavedImage{ID: "img-2", FileName: name + ".png", SourceKind: domain.SourceKindUpload}, nil
}

func (f *fakeImages) Process(_ context.Context, fileName string, req domain.ProcessImageRequest) (domain.SavedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[fileName] = req
	if f.err != nil {
		return domain.SavedImage{}, f.err
	}
	return domain.SavedImage{ID: "img-3", FileName: fileName, Status: domain.ImageStatusProcessed}, nil
}

func (f *fakeImages) Get(_ context.Context, fileName string) (domain.SavedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved, ok := f.saved[fileName]
	if !ok {
		return domain.SavedImage{}, fmt.Errorf("%w: %s", images.ErrImageNotFound, fileName)
	}
	return saved, nil
}

func (f *fakeImages) GetByID(_ context.Context, imageID string) (domain.SavedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	saved, ok := f.byID[imageID]
	if !ok {
		return domain.SavedImage{}, fmt.Errorf("%w: id %s", images.ErrImageNotFound, imageID)
	}
	return saved, nil
}

func (f *fakeImages) Queue(_ context.Context, imageID, sourceURL string) (domain.SavedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queued := domain.SavedImage{ID: imageID, SourceURL: sourceURL, SourceKind: domain.SourceKindURL, Status: domain.ImageStatusQueued}
	f.byID[imageID] = queued
	return queued, nil
}

func (f *fakeImages) MarkFailed(_ context.Context, imageID, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, imageID)
}

type fakeQueue struct {
	payloads []queue.FetchImagePayload
	err      error
}

func (q *fakeQueue) EnqueueFetchImage(_ context.Context, payload queue.FetchImagePayload) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.ImageID, Queue: "images", State: asynq.TaskStatePending}, nil
}

type fakePresigner struct{}

func (fakePresigner) PresignedGetURL(_ context.Context, objectKey string, _ time.Duration) (string, error) {
	return "https://cdn.example.com/" + objectKey, nil
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestHealthz(t *testing.T) {
	srv := NewServer(Options{Images: newFakeImages()})
	rec, body := do(t, srv.Handler(), http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestFetchSync(t *testing.T) {
	svc := newFakeImages()
	srv := NewServer(Options{Images: svc, Storage: fakePresigner{}})

	rec, body := do(t, srv.Handler(), http.MethodPost, "/v1/images/fetch", jsonBody(t, map[string]any{
		"url":  "https://example.com/a.png",
		"name": "a",
		"pipeline": []map[string]any{
			{"action": "resize", "width": 10},
		},
	}), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "a.png", body["file_name"])
	assert.Equal(t, "https://cdn.example.com/images/img-1/a.png", body["download_url"])

	require.Len(t, svc.fetches, 1)
	assert.Equal(t, "a", svc.fetches[0].Name)
	assert.Len(t, svc.fetches[0].Process.Pipeline, 1)
}

func TestFetchAsync(t *testing.T) {
	q := &fakeQueue{}
	svc := newFakeImages()
	srv := NewServer(Options{Images: svc, Queue: q})

	rec, body := do(t, srv.Handler(), http.MethodPost, "/v1/images/fetch", jsonBody(t, map[string]any{
		"url":         "https://example.com/a.png",
		"async":       true,
		"webhook_url": "https://hooks.example.com/in",
	}), nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, q.payloads, 1)
	assert.Equal(t, q.payloads[0].ImageID, body["image_id"])
	assert.Equal(t, "https://hooks.example.com/in", q.payloads[0].WebhookURL)
	assert.Equal(t, "pending", body["state"])
	assert.Equal(t, domain.ImageStatusQueued, body["status"])
	assert.Empty(t, svc.fetches)

	imageID := q.payloads[0].ImageID
	rec, body = do(t, srv.Handler(), http.MethodGet, "/v1/images/id/"+imageID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, imageID, body["id"])
	assert.Equal(t, domain.ImageStatusQueued, body["status"])

	rec, body = do(t, srv.Handler(), http.MethodGet, "/v1/images/id/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ERR_NOT_FOUND", body["code"])

	noQueue := NewServer(Options{Images: svc})
	rec, body = do(t, noQueue.Handler(), http.MethodPost, "/v1/images/fetch", jsonBody(t, map[string]any{
		"url": "https://example.com/a.png", "async": true,
	}), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ERR_QUEUE_UNAVAILABLE", body["code"])

	failing := NewServer(Options{Images: svc, Queue: &fakeQueue{err: errors.New("redis down")}})
	rec, body = do(t, failing.Handler(), http.MethodPost, "/v1/images/fetch", jsonBody(t, map[string]any{
		"url": "https://example.com/a.png", "async": true,
	}), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "ERR_INTERNAL", body["code"])
	assert.Len(t, svc.failed, 1)
}

func TestFetchBadRequests(t *testing.T) {
	svc := newFakeImages()
	srv := NewServer(Options{Images: svc})

	cases := map[string]string{
		"not json":        `{`,
		"missing url":     `{"name":"x"}`,
		"unknown field":   `{"url":"https://e.com/a.png","colour":"red"}`,
		"bad name":        `{"url":"https://e.com/a.png","name":"../x"}`,
		"bad action":      `{"url":"https://e.com/a.png","pipeline":[{"action":"explode"}]}`,
		"empty overlay":   `{"url":"https://e.com/a.png","text_overlays":[{"text":" "}]}`,
		"two documents":   `{"url":"https://e.com/a.png"}{}`,
		"bad webhook url": `{"url":"https://e.com/a.png","webhook_url":"nope"}`,
		"resize no size":  `{"url":"https://e.com/a.png","pipeline":[{"action":"resize"}]}`,
		"unknown format":  `{"url":"https://e.com/a.png","pipeline":[{"action":"convert","format":"foo"}]}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			rec, body := do(t, srv.Handler(), http.MethodPost, "/v1/images/fetch", strings.NewReader(payload), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "ERR_BAD_REQUEST", body["code"])
		})
	}
	assert.Empty(t, svc.fetches)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&saver.Error{Kind: saver.KindSourceBroken, Message: "corrupt"}, http.StatusUnprocessableEntity, "ERR_IMAGE_SOURCE_BROKEN"},
		{saver.ErrFormatUnsupported, http.StatusUnsupportedMediaType, "ERR_IMAGE_FORMAT_UNSUPPORTED"},
		{fmt.Errorf("wrapped: %w", saver.ErrSourceCanNotBeLoaded), http.StatusBadGateway, "ERR_IMAGE_CAN_NOT_BE_LOADED"},
		{fmt.Errorf("%w: x.png", images.ErrImageNotFound), http.StatusNotFound, "ERR_NOT_FOUND"},
		{fmt.Errorf("process image: %w", pipeline.ErrUnsupportedFormat), http.StatusUnprocessableEntity, "ERR_INVALID_PIPELINE"},
		{fmt.Errorf("process image: %w", pipeline.ErrInvalidStepArgument), http.StatusUnprocessableEntity, "ERR_INVALID_PIPELINE"},
		{errors.New("disk full"), http.StatusInternalServerError, "ERR_INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			svc := newFakeImages()
			svc.err = tc.err
			srv := NewServer(Options{Images: svc})

			rec, body := do(t, srv.Handler(), http.MethodPost, "/v1/images/fetch", strings.NewReader(`{"url":"https://e.com/a.png"}`), nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, body["code"])
			if tc.status == http.StatusInternalServerError {
				assert.Equal(t, "internal error", body["error"])
			} else {
				assert.Equal(t, tc.err.Error(), body["error"])
			}
		})
	}
}

func TestUpload(t *testing.T) {
	svc := newFakeImages()
	srv := NewServer(Options{Images: svc})

	header := http.Header{"Content-Type": {"multipart/form-data; boundary=xyz"}}
	rec, body := do(t, srv.Handler(), http.MethodPost, "/v1/images?name=holiday", strings.NewReader("--xyz--\r\n"), header)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "holiday.png", body["file_name"])
	assert.Equal(t, []string{"holiday"}, svc.uploads)

	rec, _ = do(t, srv.Handler(), http.MethodPost, "/v1/images?name=a/b", strings.NewReader(""), header)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, svc.uploads, 1)
}

func TestProcessAndGet(t *testing.T) {
	svc := newFakeImages()
	svc.saved["cat.png"] = domain.SavedImage{ID: "img-7", FileName: "cat.png"}
	srv := NewServer(Options{Images: svc})

	rec, body := do(t, srv.Handler(), http.MethodPost, "/v1/images/cat.png/process", jsonBody(t, domain.ProcessImageRequest{
		TextOverlays: []domain.TextOverlay{{Text: "hello", X: 3}},
	}), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.ImageStatusProcessed, body["status"])
	assert.Equal(t, 3, svc.processed["cat.png"].TextOverlays[0].X)

	rec, _ = do(t, srv.Handler(), http.MethodPost, "/v1/images/cat.png/process", strings.NewReader(`{"pipeline":[{"action":""}]}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, srv.Handler(), http.MethodGet, "/v1/images/cat.png", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "img-7", body["id"])
	_, hasURL := body["download_url"]
	assert.False(t, hasURL)

	rec, body = do(t, srv.Handler(), http.MethodGet, "/v1/images/dog.png", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "ERR_NOT_FOUND", body["code"])
}

func TestRateLimit(t *testing.T) {
	limiter, err := ratelimit.NewLocalLimiter(1, time.Hour)
	require.NoError(t, err)
	srv := NewServer(Options{Images: newFakeImages(), RateLimiter: limiter, RateLimitUserIDHeader: "X-Client"})
	h := srv.Handler()

	fetch := func(client string) *httptest.ResponseRecorder {
		rec, _ := do(t, h, http.MethodPost, "/v1/images/fetch", strings.NewReader(`{"url":"https://e.com/a.png"}`), http.Header{"X-Client": {client}})
		return rec
	}

	assert.Equal(t, http.StatusCreated, fetch("alice").Code)
	limited := fetch("alice")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusCreated, fetch("bob").Code)

	rec, _ := do(t, h, http.MethodGet, "/healthz", nil, http.Header{"X-Client": {"alice"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestCost(t *testing.T) {
	assert.Equal(t, 2, requestCost(httptest.NewRequest(http.MethodPost, "/v1/images/fetch", nil)))
	assert.Equal(t, 2, requestCost(httptest.NewRequest(http.MethodPost, "/v1/images", nil)))
	assert.Equal(t, 1, requestCost(httptest.NewRequest(http.MethodPost, "/v1/images/a.png/process", nil)))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(Options{Images: newFakeImages()})
	h := srv.Handler()
	do(t, h, http.MethodPost, "/v1/images/fetch", strings.NewReader(`{"url":"https://e.com/a.png"}`), nil)

	rec, _ := do(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `imagesaver_api_requests_total{method="POST",route="/v1/images/fetch",status="201"} 1`)
	assert.Contains(t, rec.Body.String(), `imagesaver_api_images_saved_total{source_kind="url"} 1`)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/images", routeLabel("/v1/images"))
	assert.Equal(t, "/v1/images/fetch", routeLabel("/v1/images/fetch"))
	assert.Equal(t, "/v1/images/{file}/process", routeLabel("/v1/images/a.png/process"))
	assert.Equal(t, "/v1/images/{file}", routeLabel("/v1/images/a.png"))
	assert.Equal(t, "/v1/images/id/{id}", routeLabel("/v1/images/id/abc"))
	assert.Equal(t, "/healthz", routeLabel("/healthz"))
}

func TestPipelineArgumentsWithImageService(t *testing.T) {
	dir := t.TempDir()
	svc, err := images.NewService(images.Options{Saver: saver.Config{TargetDir: dir}})
	require.NoError(t, err)
	src := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), buf.Bytes(), 0o644))

	hits := 0
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(buf.Bytes())
	}))
	defer origin.Close()
	h := NewServer(Options{Images: svc}).Handler()

	for _, payload := range []string{
		`{"pipeline":[{"action":"resize"}]}`,
		`{"pipeline":[{"action":"convert","format":"foo"}]}`,
		`{"pipeline":[{"action":"crop","width":4}]}`,
	} {
		rec, body := do(t, h, http.MethodPost, "/v1/images/a.png/process", strings.NewReader(payload), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, payload)
		assert.Equal(t, "ERR_BAD_REQUEST", body["code"], payload)
		assert.Contains(t, body["error"], "pipeline[0]", payload)
	}

	rec, body := do(t, h, http.MethodPost, "/v1/images/fetch", jsonBody(t, map[string]any{
		"url":      origin.URL + "/b.png",
		"name":     "b",
		"pipeline": []map[string]any{{"action": "resize"}},
	}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "ERR_BAD_REQUEST", body["code"])
	assert.Zero(t, hits)
	assert.NoFileExists(t, filepath.Join(dir, "b.png"))

	rec, body = do(t, h, http.MethodPost, "/v1/images/a.png/process", strings.NewReader(`{"pipeline":[{"action":"resize","width":4}]}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 4, body["width"])
}
