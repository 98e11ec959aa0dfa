package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fullscreencam/internal/capture"
	"fullscreencam/internal/events"
	"fullscreencam/internal/filter"
	"fullscreencam/internal/preview"
	"fullscreencam/internal/recorder"
	"fullscreencam/internal/storage"
	"fullscreencam/pkg/models"
)

type fakeRecorder struct {
	mu       sync.Mutex
	state    models.RecordingState
	err      error
	closed   bool
	sessions int

	gate    chan struct{} // ToggleSession blocks until closed
	entered chan struct{}
}

func (r *fakeRecorder) ToggleSession(ctx context.Context) (models.RecordingStatus, error) {
	if r.gate != nil {
		r.entered <- struct{}{}
		<-r.gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return models.RecordingStatus{State: r.state}, r.err
	}
	if r.state == models.RecordingStateIdle {
		r.sessions++
		r.state = models.RecordingStateArmed
	} else {
		r.state = models.RecordingStateFinalizing
	}
	return models.RecordingStatus{State: r.state, SessionID: fmt.Sprintf("s%d", r.sessions)}, nil
}

// Status never reports a session ID so events must carry the toggled one
func (r *fakeRecorder) Status() models.RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.RecordingStatus{State: r.state}
}

func (r *fakeRecorder) setState(state models.RecordingState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

func (r *fakeRecorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type fakeRouter struct {
	mu  sync.Mutex
	sel models.FilterSelection
}

func (r *fakeRouter) SetFilter(sel models.FilterSelection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sel = sel
}

func (r *fakeRouter) Filter() models.FilterSelection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sel
}

func (r *fakeRouter) Stats() models.RouterStats { return models.RouterStats{VideoFrames: 7} }

type fakeLibrary struct {
	mu     sync.Mutex
	photos []image.Image
	videos []string
	files  map[string][]byte // saved photos readable through Open
	err    error
	block  chan struct{}
}

func (l *fakeLibrary) SaveVideo(ctx context.Context, localPath string) (models.MediaItem, error) {
	if l.block != nil {
		<-l.block
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return models.MediaItem{}, l.err
	}
	l.videos = append(l.videos, localPath)
	return models.MediaItem{Kind: models.MediaVideos, Name: "s1.mp4"}, nil
}

func (l *fakeLibrary) SavePhoto(ctx context.Context, img image.Image) (models.MediaItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return models.MediaItem{}, l.err
	}
	l.photos = append(l.photos, img)
	return models.MediaItem{Kind: models.MediaPhotos, Name: fmt.Sprintf("p%d.jpg", len(l.photos))}, nil
}

func (l *fakeLibrary) Open(ctx context.Context, kind models.MediaKind, name string) (io.ReadCloser, storage.ObjectInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.files[name]
	if !ok || kind != models.MediaPhotos {
		return nil, storage.ObjectInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, name)
	}
	return io.NopCloser(bytes.NewReader(data)), storage.ObjectInfo{Name: name, Size: int64(len(data))}, nil
}

func (l *fakeLibrary) put(t *testing.T, name string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.files == nil {
		l.files = make(map[string][]byte)
	}
	l.files[name] = buf.Bytes()
}

type fixture struct {
	ctrl    *Controller
	rec     *fakeRecorder
	router  *fakeRouter
	preview *preview.Sink
	library *fakeLibrary
	source  *capture.PatternSource
	events  <-chan models.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rec:     &fakeRecorder{state: models.RecordingStateIdle},
		router:  &fakeRouter{},
		preview: preview.New(80),
		library: &fakeLibrary{},
		source:  capture.NewPatternSource(capture.PatternConfig{Width: 16, Height: 8}),
	}
	hub := events.New()
	ch, cancel := hub.Subscribe(32)
	t.Cleanup(cancel)
	f.events = ch

	f.ctrl = New(Config{}, Deps{
		Source:   f.source,
		Router:   f.router,
		Recorder: f.rec,
		Preview:  f.preview,
		Library:  f.library,
		Filters:  filter.NewProvider(),
		Events:   hub,
	})
	return f
}

func (f *fixture) nextEvent(t *testing.T) models.Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
		return models.Event{}
	}
}

func TestTakePhotoWithoutPreview(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.TakePhoto(context.Background())
	assert.ErrorIs(t, err, ErrNoPreview)
}

func TestTakePhotoSavesLatestFrame(t *testing.T) {
	f := newFixture(t)
	f.preview.Put(f.source.Frame(3))

	item, err := f.ctrl.TakePhoto(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p1.jpg", item.Name)
	require.Len(t, f.library.photos, 1)
	assert.Equal(t, image.Rect(0, 0, 16, 8), f.library.photos[0].Bounds())

	ev := f.nextEvent(t)
	assert.Equal(t, models.EventMediaSaved, ev.Type)
	assert.Equal(t, models.MediaPhotos, ev.Kind)
}

func TestTakePhotoSaveFailure(t *testing.T) {
	f := newFixture(t)
	f.preview.Put(f.source.Frame(0))
	f.library.err = errors.New("disk full")

	_, err := f.ctrl.TakePhoto(context.Background())
	assert.Error(t, err)
	assert.Equal(t, models.EventMediaSaveFailed, f.nextEvent(t).Type)
}

func TestCaptureFollowsMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.ctrl.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeVideo, resp.Mode)
	assert.Equal(t, models.RecordingStateArmed, resp.State)
	ev := f.nextEvent(t)
	assert.Equal(t, models.EventRecordingStarted, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)

	// mode is locked to video while a session is active
	assert.ErrorIs(t, f.ctrl.SetMode(models.ModePhoto), recorder.ErrBusy)

	f.rec.setState(models.RecordingStateIdle)
	require.NoError(t, f.ctrl.SetMode(models.ModePhoto))
	f.preview.Put(f.source.Frame(0))

	resp, err = f.ctrl.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModePhoto, resp.Mode)
	require.NotNil(t, resp.Photo)
	assert.Equal(t, "p1.jpg", resp.Photo.Name)

	assert.ErrorIs(t, f.ctrl.SetMode(models.CaptureMode("slowmo")), ErrInvalidMode)
}

func TestToggleRecordingError(t *testing.T) {
	f := newFixture(t)
	f.rec.err = recorder.ErrBusy

	_, err := f.ctrl.ToggleRecording(context.Background())
	assert.ErrorIs(t, err, recorder.ErrBusy)
}

func TestSelectFilter(t *testing.T) {
	f := newFixture(t)

	sel, err := f.ctrl.SelectFilter(filter.NameSepia, nil)
	require.NoError(t, err)
	assert.Equal(t, filter.NameSepia, sel.Name)
	assert.Equal(t, sel, f.router.Filter())
	assert.Equal(t, models.EventFilterChanged, f.nextEvent(t).Type)

	_, err = f.ctrl.SelectFilter("vaporwave", nil)
	assert.ErrorIs(t, err, filter.ErrUnknownFilter)
	assert.Equal(t, filter.NameSepia, f.router.Filter().Name)

	sel, err = f.ctrl.SelectFilter("", nil)
	require.NoError(t, err)
	assert.True(t, sel.IsNone())

	assert.NotEmpty(t, f.ctrl.FilterCatalogue())
}

func TestSwitchCameraAndOrientation(t *testing.T) {
	f := newFixture(t)

	device, err := f.ctrl.SwitchCamera()
	require.NoError(t, err)
	assert.Equal(t, "gradient", device)
	ev := f.nextEvent(t)
	assert.Equal(t, models.EventCameraSwitched, ev.Type)
	assert.Equal(t, "gradient", ev.Name)

	require.NoError(t, f.ctrl.SetOrientation(models.OrientationPortrait))
	assert.Error(t, f.ctrl.SetOrientation(models.Orientation("diagonal")))

	st := f.ctrl.Status()
	assert.Equal(t, "gradient", st.Device)
	assert.Equal(t, models.OrientationPortrait, st.Orientation)
	assert.Equal(t, uint64(7), st.Router.VideoFrames)
	assert.False(t, st.HasPreview)
}

func TestSuccessfulRecordingIsSaved(t *testing.T) {
	f := newFixture(t)

	f.ctrl.HandleRecordingResult(models.RecordingResult{
		SessionID:  "s1",
		Outcome:    models.OutcomeSuccess,
		OutputPath: "/tmp/rec/s1.mp4",
	})

	ev := f.nextEvent(t)
	assert.Equal(t, models.EventRecordingCompleted, ev.Type)
	assert.Equal(t, "success", ev.Outcome)

	ev = f.nextEvent(t)
	assert.Equal(t, models.EventMediaSaved, ev.Type)
	assert.Equal(t, models.MediaVideos, ev.Kind)
	assert.Equal(t, []string{"/tmp/rec/s1.mp4"}, f.library.videos)
}

func TestFailedRecordingIsNotSaved(t *testing.T) {
	f := newFixture(t)

	f.ctrl.HandleRecordingResult(models.RecordingResult{
		SessionID: "s1",
		Outcome:   models.OutcomeFailure,
		Err:       errors.New("encoder crashed"),
	})

	ev := f.nextEvent(t)
	assert.Equal(t, models.EventRecordingCompleted, ev.Type)
	assert.Equal(t, "encoder crashed", ev.Error)

	require.NoError(t, f.ctrl.Shutdown(context.Background()))
	assert.Empty(t, f.library.videos)
	assert.True(t, f.rec.closed)
}

func TestShutdownWaitsForSaves(t *testing.T) {
	f := newFixture(t)
	f.library.block = make(chan struct{})

	f.ctrl.HandleRecordingResult(models.RecordingResult{SessionID: "s1", Outcome: models.OutcomeSuccess, OutputPath: "x.mp4"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.ctrl.Shutdown(ctx), context.DeadlineExceeded)

	close(f.library.block)
	require.NoError(t, f.ctrl.Shutdown(context.Background()))
	assert.Equal(t, []string{"x.mp4"}, f.library.videos)
}

func TestRecordingStartedCarriesToggledSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, want := range []string{"s1", "s2"} {
		state, err := f.ctrl.ToggleRecording(ctx)
		require.NoError(t, err)
		require.Equal(t, models.RecordingStateArmed, state)

		ev := f.nextEvent(t)
		assert.Equal(t, models.EventRecordingStarted, ev.Type)
		assert.Equal(t, want, ev.SessionID)

		f.rec.setState(models.RecordingStateIdle)
	}
}

func TestSetModeWaitsForToggle(t *testing.T) {
	f := newFixture(t)
	f.rec.gate = make(chan struct{})
	f.rec.entered = make(chan struct{}, 1)

	captured := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Capture(context.Background())
		captured <- err
	}()
	<-f.rec.entered

	modeSet := make(chan error, 1)
	go func() { modeSet <- f.ctrl.SetMode(models.ModePhoto) }()

	select {
	case err := <-modeSet:
		t.Fatalf("mode changed during a recording toggle: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(f.rec.gate)
	require.NoError(t, <-captured)
	assert.ErrorIs(t, <-modeSet, recorder.ErrBusy)
	assert.Equal(t, models.ModeVideo, f.ctrl.Mode())
}

func TestFilterPhotoSavesNewItem(t *testing.T) {
	f := newFixture(t)
	src := imaging.New(8, 4, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	f.library.put(t, "orig.png", src)

	item, err := f.ctrl.FilterPhoto(context.Background(), "orig.png", filter.NameSepia, nil)
	require.NoError(t, err)
	assert.Equal(t, "p1.jpg", item.Name)

	require.Len(t, f.library.photos, 1)
	out := f.library.photos[0]
	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.NotEqual(t, src.At(0, 0), out.At(0, 0), "filter changed the pixels")

	ev := f.nextEvent(t)
	assert.Equal(t, models.EventMediaSaved, ev.Type)
	assert.Equal(t, models.MediaPhotos, ev.Kind)
	assert.Equal(t, "p1.jpg", ev.Name)
}

func TestFilterPhotoErrors(t *testing.T) {
	f := newFixture(t)
	f.library.put(t, "orig.png", imaging.New(4, 4, color.White))
	ctx := context.Background()

	_, err := f.ctrl.FilterPhoto(ctx, "missing.jpg", filter.NameSepia, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.ctrl.FilterPhoto(ctx, "orig.png", "vaporwave", nil)
	assert.ErrorIs(t, err, filter.ErrUnknownFilter)

	_, err = f.ctrl.FilterPhoto(ctx, "orig.png", filter.NameOriginal, nil)
	assert.ErrorIs(t, err, ErrNoFilter)

	f.library.files["junk.jpg"] = []byte("not an image")
	_, err = f.ctrl.FilterPhoto(ctx, "junk.jpg", filter.NameSepia, nil)
	assert.ErrorContains(t, err, "decode photo")
	assert.Empty(t, f.library.photos)

	f.library.err = errors.New("disk full")
	_, err = f.ctrl.FilterPhoto(ctx, "orig.png", filter.NameSepia, nil)
	assert.Error(t, err)
	assert.Equal(t, models.EventMediaSaveFailed, f.nextEvent(t).Type)
}
