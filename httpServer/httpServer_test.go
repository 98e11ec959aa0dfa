package httpServer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fullscreencam/internal/auth"
	"fullscreencam/internal/camera"
	"fullscreencam/internal/capture"
	"fullscreencam/internal/events"
	"fullscreencam/internal/filter"
	"fullscreencam/internal/metrics"
	"fullscreencam/internal/preview"
	"fullscreencam/internal/recorder"
	"fullscreencam/internal/storage"
	"fullscreencam/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCamera struct {
	toggleErr error
	photoErr  error
	switchErr error
	mode      models.CaptureMode
	filter    models.FilterSelection
	orient    models.Orientation
	filtered  []string // photos passed to FilterPhoto
}

func (c *fakeCamera) Status() models.StatusResponse {
	return models.StatusResponse{Mode: models.ModeVideo, Device: "bars", Recording: models.RecordingStatus{State: models.RecordingStateIdle}}
}

func (c *fakeCamera) FilterCatalogue() []models.FilterInfo {
	return filter.NewProvider().List()
}

func (c *fakeCamera) SelectFilter(name string, intensity *float64) (models.FilterSelection, error) {
	sel, err := filter.NewProvider().Resolve(name, intensity)
	if err == nil {
		c.filter = sel
	}
	return sel, err
}

func (c *fakeCamera) ToggleRecording(ctx context.Context) (models.RecordingState, error) {
	if c.toggleErr != nil {
		return models.RecordingStateFinalizing, c.toggleErr
	}
	return models.RecordingStateArmed, nil
}

func (c *fakeCamera) TakePhoto(ctx context.Context) (models.MediaItem, error) {
	if c.photoErr != nil {
		return models.MediaItem{}, c.photoErr
	}
	return models.MediaItem{Kind: models.MediaPhotos, Name: "p.jpg"}, nil
}

func (c *fakeCamera) FilterPhoto(ctx context.Context, name, filterName string, intensity *float64) (models.MediaItem, error) {
	if name == "missing.jpg" {
		return models.MediaItem{}, storage.ErrNotFound
	}
	sel, err := filter.NewProvider().Resolve(filterName, intensity)
	if err != nil {
		return models.MediaItem{}, err
	}
	if sel.IsNone() {
		return models.MediaItem{}, camera.ErrNoFilter
	}
	c.filtered = append(c.filtered, name)
	return models.MediaItem{Kind: models.MediaPhotos, Name: "p2.jpg"}, nil
}

func (c *fakeCamera) Capture(ctx context.Context) (models.CaptureResponse, error) {
	return models.CaptureResponse{Mode: models.ModeVideo, State: models.RecordingStateArmed}, nil
}

func (c *fakeCamera) SetMode(mode models.CaptureMode) error {
	if mode != models.ModePhoto && mode != models.ModeVideo {
		return camera.ErrInvalidMode
	}
	c.mode = mode
	return nil
}

func (c *fakeCamera) SwitchCamera() (string, error) {
	if c.switchErr != nil {
		return "", c.switchErr
	}
	return "gradient", nil
}

func (c *fakeCamera) SetOrientation(o models.Orientation) error {
	c.orient = o
	return nil
}

type fixture struct {
	server  *Server
	camera  *fakeCamera
	preview *preview.Sink
	hub     *events.Hub
	store   *storage.LocalStorage
	auth    *auth.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())

	f := &fixture{
		camera:  &fakeCamera{},
		preview: preview.New(80),
		hub:     events.New(),
		store:   store,
		auth:    auth.New(auth.Config{}),
	}
	f.server = New(Deps{
		Camera:  f.camera,
		Preview: f.preview,
		Events:  f.hub,
		Library: storage.NewLibrary(store, storage.LibraryConfig{URLPrefix: "/api/v1/media"}, m),
		Auth:    f.auth,
		Metrics: m,
	}, Config{RTMPPublicURL: "rtmp://cam.local:1935", MJPEGMaxFPS: 100})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}

func TestStatusAndFilters(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st models.StatusResponse
	decode(t, w, &st)
	assert.Equal(t, "bars", st.Device)
	assert.Equal(t, models.RecordingStateIdle, st.Recording.State)

	w = f.do(t, http.MethodGet, "/api/v1/filters", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Filters []models.FilterInfo `json:"filters"`
		Total   int                 `json:"total"`
	}
	decode(t, w, &list)
	assert.Equal(t, len(list.Filters), list.Total)
	assert.NotZero(t, list.Total)
}

func TestSelectFilter(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPut, "/api/v1/filter", `{"name":"sepia","intensity":0.5}`)
	require.Equal(t, http.StatusOK, w.Code)
	var sel models.FilterSelection
	decode(t, w, &sel)
	assert.Equal(t, filter.NameSepia, sel.Name)

	w = f.do(t, http.MethodPut, "/api/v1/filter", `{"name":"vaporwave"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPut, "/api/v1/filter", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestToggleRecordingStatusCodes(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/recording/toggle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"armed"`)

	f.camera.toggleErr = recorder.ErrBusy
	w = f.do(t, http.MethodPost, "/api/v1/recording/toggle", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	f.camera.toggleErr = assert.AnError
	w = f.do(t, http.MethodPost, "/api/v1/recording/toggle", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestPhotoAndCapture(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/photo", "")
	assert.Equal(t, http.StatusCreated, w.Code)

	f.camera.photoErr = camera.ErrNoPreview
	w = f.do(t, http.MethodPost, "/api/v1/photo", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/capture", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.CaptureResponse
	decode(t, w, &resp)
	assert.Equal(t, models.RecordingStateArmed, resp.State)
}

func TestFilterPhoto(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/media/photos/p1.jpg/filter"

	w := f.do(t, http.MethodPost, path, `{"name":"sepia","intensity":0.8}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var item models.MediaItem
	decode(t, w, &item)
	assert.Equal(t, "p2.jpg", item.Name)
	assert.Equal(t, []string{"p1.jpg"}, f.camera.filtered)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, `{"name":"vaporwave"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, `{"name":"original"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, `{`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/media/photos/missing.jpg/filter", `{"name":"sepia"}`).Code)
}

func TestFilterPhotoThroughController(t *testing.T) {
	f := newFixture(t)
	m := metrics.New(prometheus.NewRegistry())
	lib := storage.NewLibrary(f.store, storage.LibraryConfig{URLPrefix: "/api/v1/media"}, m)
	ctrl := camera.New(camera.Config{}, camera.Deps{
		Library: lib,
		Filters: filter.NewProvider(),
		Events:  f.hub,
	})
	srv := New(Deps{
		Camera:  ctrl,
		Preview: f.preview,
		Events:  f.hub,
		Library: lib,
		Auth:    f.auth,
		Metrics: m,
	}, Config{})

	orig, err := lib.SavePhoto(context.Background(), imaging.New(16, 8, color.NRGBA{R: 200, G: 120, B: 40, A: 255}))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/media/photos/"+orig.Name+"/filter", strings.NewReader(`{"name":"mono"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var item models.MediaItem
	decode(t, w, &item)
	assert.NotEqual(t, orig.Name, item.Name)

	items, err := lib.List(context.Background(), models.MediaPhotos)
	require.NoError(t, err)
	assert.Len(t, items, 2, "original kept alongside the filtered copy")
}

func TestModeAndCameraControls(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/v1/mode", `{"mode":"photo"}`).Code)
	assert.Equal(t, models.ModePhoto, f.camera.mode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/v1/mode", `{"mode":"slowmo"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/v1/mode", `{}`).Code)

	w := f.do(t, http.MethodPost, "/api/v1/camera/switch", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gradient")

	f.camera.switchErr = capture.ErrUnsupported
	assert.Equal(t, http.StatusNotImplemented, f.do(t, http.MethodPost, "/api/v1/camera/switch", "").Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/v1/camera/orientation", `{"orientation":"portrait"}`).Code)
	assert.Equal(t, models.OrientationPortrait, f.camera.orient)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/v1/camera/orientation", `{"orientation":"diagonal"}`).Code)
}

func TestPublishIssuesToken(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/publish", `{"streamKey":"cam","expiresIn":60}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp models.PublishResponse
	decode(t, w, &resp)

	assert.Equal(t, "cam", resp.StreamKey)
	assert.Equal(t, "rtmp://cam.local:1935/live/cam?token="+resp.Token, resp.PublishURL)
	assert.NoError(t, f.auth.ValidateToken(resp.Token, "cam"))

	w = f.do(t, http.MethodPost, "/api/v1/publish", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, "camera", resp.StreamKey)
}

func TestMediaEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Write(ctx, "videos/s1.mp4", []byte("movie")))

	w := f.do(t, http.MethodGet, "/api/v1/media/videos", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Items []models.MediaItem `json:"items"`
		Total int                `json:"total"`
	}
	decode(t, w, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "/api/v1/media/videos/s1.mp4", list.Items[0].URL)

	w = f.do(t, http.MethodGet, "/api/v1/media/videos/s1.mp4", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "movie", w.Body.String())
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/media/videos/missing.mp4", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/media/docs", "").Code)
}

func TestPreviewJPEG(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodGet, "/preview/latest.jpg", "").Code)

	src := capture.NewPatternSource(capture.PatternConfig{Width: 16, Height: 8})
	f.preview.Put(src.Frame(4))

	w := f.do(t, http.MethodGet, "/preview/latest.jpg", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "4", w.Header().Get("X-Frame-Seq"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte{0xff, 0xd8}))
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/ping", "")

	w := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fullscreencam_http_requests_total")
}

// readUntil reads lines from an open stream until one contains want
func readUntil(t *testing.T, r *bufio.Reader, want string) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.Contains(line, want) {
			return line
		}
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// headers are flushed with the first event, so publish until one arrives
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.hub.Publish(models.Event{Type: models.EventMediaSaved, Name: "p.jpg"})
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"), resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	assert.Contains(t, readUntil(t, r, "event:"), "media.saved")
	assert.Contains(t, readUntil(t, r, "data:"), "p.jpg")
}

func TestMJPEGStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	src := capture.NewPatternSource(capture.PatternConfig{Width: 16, Height: 8})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for seq := uint64(0); ; seq++ {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				f.preview.Put(src.Frame(seq))
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/preview/stream.mjpeg", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	readUntil(t, r, "--frame")
	assert.Contains(t, readUntil(t, r, "Content-Type"), "image/jpeg")
}

func TestLibraryServesSavedVideo(t *testing.T) {
	f := newFixture(t)
	m := metrics.New(prometheus.NewRegistry())
	lib := storage.NewLibrary(f.store, storage.LibraryConfig{}, m)

	src := filepath.Join(t.TempDir(), "rec.mp4")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0644))
	_, err := lib.SaveVideo(context.Background(), src)
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/api/v1/media/videos/rec.mp4", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data", w.Body.String())
}
