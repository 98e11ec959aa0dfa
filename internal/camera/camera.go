// Package camera is the control surface of the pipeline. It ties the capture
// source, frame router, recorder, preview and media library together and
// publishes an event for every user-visible outcome.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"fullscreencam/internal/capture"
	"fullscreencam/internal/filter"
	"fullscreencam/internal/preview"
	"fullscreencam/internal/recorder"
	"fullscreencam/internal/storage"
	"fullscreencam/pkg/models"
)

var (
	// ErrNoPreview is returned by TakePhoto before any frame has been previewed
	ErrNoPreview = errors.New("no preview frame available")
	// ErrInvalidMode is returned for unknown capture modes
	ErrInvalidMode = errors.New("invalid capture mode")
	// ErrNoFilter is returned when a saved photo is re-filtered without a filter
	ErrNoFilter = errors.New("no filter selected")
)

// Recorder is the recording state machine
type Recorder interface {
	ToggleSession(ctx context.Context) (models.RecordingStatus, error)
	Status() models.RecordingStatus
	Shutdown(ctx context.Context) error
}

// Router applies the filter selection to live frames
type Router interface {
	SetFilter(sel models.FilterSelection)
	Filter() models.FilterSelection
	Stats() models.RouterStats
}

// Preview supplies the most recent displayed frame
type Preview interface {
	Image() (*image.NRGBA, *models.Frame, error)
	Latest() *models.Frame
}

// Library persists captured media
type Library interface {
	SaveVideo(ctx context.Context, localPath string) (models.MediaItem, error)
	SavePhoto(ctx context.Context, img image.Image) (models.MediaItem, error)
	Open(ctx context.Context, kind models.MediaKind, name string) (io.ReadCloser, storage.ObjectInfo, error)
}

// Filters resolves filter names against the catalogue
type Filters interface {
	Resolve(name string, intensity *float64) (models.FilterSelection, error)
	Lookup(name string) (filter.Filter, error)
	List() []models.FilterInfo
}

// Publisher receives pipeline events
type Publisher interface {
	Publish(event models.Event)
}

// Config holds controller settings
type Config struct {
	Mode        models.CaptureMode
	SaveTimeout time.Duration // upper bound on persisting one item
}

// Deps are the collaborators of a Controller
type Deps struct {
	Source   capture.Source
	Router   Router
	Recorder Recorder
	Preview  Preview
	Library  Library
	Filters  Filters
	Events   Publisher
}

// Controller handles camera controls
type Controller struct {
	Deps
	saveTimeout time.Duration

	// ctl serialises recording toggles against mode changes
	ctl sync.Mutex

	mu   sync.Mutex
	mode models.CaptureMode

	saves sync.WaitGroup
	log   *logrus.Entry
}

// New creates a controller
func New(cfg Config, deps Deps) *Controller {
	if cfg.Mode == "" {
		cfg.Mode = models.ModeVideo
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = 5 * time.Minute
	}
	return &Controller{
		Deps:        deps,
		saveTimeout: cfg.SaveTimeout,
		mode:        cfg.Mode,
		log:         logrus.WithField("component", "camera"),
	}
}

// ToggleRecording starts or stops recording and returns the new state
func (c *Controller) ToggleRecording(ctx context.Context) (models.RecordingState, error) {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	return c.toggleRecording(ctx)
}

func (c *Controller) toggleRecording(ctx context.Context) (models.RecordingState, error) {
	status, err := c.Recorder.ToggleSession(ctx)
	if err != nil {
		return status.State, err
	}

	if status.State == models.RecordingStateArmed {
		c.Events.Publish(models.Event{
			Type:      models.EventRecordingStarted,
			SessionID: status.SessionID,
		})
	}
	return status.State, nil
}

// SelectFilter resolves and applies a filter; an empty name clears the filter
func (c *Controller) SelectFilter(name string, intensity *float64) (models.FilterSelection, error) {
	sel, err := c.Filters.Resolve(name, intensity)
	if err != nil {
		return models.FilterSelection{}, err
	}

	c.Router.SetFilter(sel)
	c.log.WithFields(logrus.Fields{"filter": sel.Name, "intensity": sel.Intensity}).Info("Filter selected")
	c.Events.Publish(models.Event{Type: models.EventFilterChanged, Name: sel.Name})
	return sel, nil
}

// FilterCatalogue lists the available filters
func (c *Controller) FilterCatalogue() []models.FilterInfo {
	return c.Filters.List()
}

// TakePhoto saves the most recent preview frame to the library
func (c *Controller) TakePhoto(ctx context.Context) (models.MediaItem, error) {
	img, frame, err := c.Preview.Image()
	if err != nil {
		if errors.Is(err, preview.ErrNoFrame) {
			return models.MediaItem{}, ErrNoPreview
		}
		return models.MediaItem{}, err
	}

	item, err := c.Library.SavePhoto(ctx, img)
	if err != nil {
		c.log.WithError(err).Error("Failed to save photo")
		c.Events.Publish(models.Event{
			Type:  models.EventMediaSaveFailed,
			Kind:  models.MediaPhotos,
			Error: err.Error(),
		})
		return models.MediaItem{}, fmt.Errorf("save photo: %w", err)
	}

	c.log.WithFields(logrus.Fields{"name": item.Name, "seq": frame.Seq, "filter": frame.Filter}).Info("Photo saved")
	c.Events.Publish(models.Event{Type: models.EventMediaSaved, Kind: models.MediaPhotos, Name: item.Name})
	return item, nil
}

// FilterPhoto applies a filter to a saved photo and stores the result as a
// new library item. The original photo is left untouched.
func (c *Controller) FilterPhoto(ctx context.Context, name, filterName string, intensity *float64) (models.MediaItem, error) {
	sel, err := c.Filters.Resolve(filterName, intensity)
	if err != nil {
		return models.MediaItem{}, err
	}
	if sel.IsNone() {
		return models.MediaItem{}, ErrNoFilter
	}
	f, err := c.Filters.Lookup(sel.Name)
	if err != nil {
		return models.MediaItem{}, err
	}

	rc, _, err := c.Library.Open(ctx, models.MediaPhotos, name)
	if err != nil {
		return models.MediaItem{}, err
	}
	src, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	rc.Close()
	if err != nil {
		return models.MediaItem{}, fmt.Errorf("decode photo %s: %w", name, err)
	}

	img, err := filter.Run(f, imaging.Clone(src), sel.Intensity)
	if err != nil {
		return models.MediaItem{}, err
	}

	log := c.log.WithFields(logrus.Fields{"source": name, "filter": sel.Name, "intensity": sel.Intensity})
	item, err := c.Library.SavePhoto(ctx, img)
	if err != nil {
		log.WithError(err).Error("Failed to save filtered photo")
		c.Events.Publish(models.Event{
			Type:  models.EventMediaSaveFailed,
			Kind:  models.MediaPhotos,
			Error: err.Error(),
		})
		return models.MediaItem{}, fmt.Errorf("save photo: %w", err)
	}

	log.WithField("name", item.Name).Info("Filtered photo saved")
	c.Events.Publish(models.Event{Type: models.EventMediaSaved, Kind: models.MediaPhotos, Name: item.Name})
	return item, nil
}

// Capture performs the mode's action: a photo in photo mode, a recording
// toggle in video mode.
func (c *Controller) Capture(ctx context.Context) (models.CaptureResponse, error) {
	c.ctl.Lock()
	mode := c.Mode()
	resp := models.CaptureResponse{Mode: mode}

	if mode != models.ModePhoto {
		defer c.ctl.Unlock()
		state, err := c.toggleRecording(ctx)
		resp.State = state
		return resp, err
	}
	c.ctl.Unlock()

	item, err := c.TakePhoto(ctx)
	if err != nil {
		return resp, err
	}
	resp.Photo = &item
	return resp, nil
}

// SetMode switches between photo and video. The mode cannot change while a
// recording session is active.
func (c *Controller) SetMode(mode models.CaptureMode) error {
	if mode != models.ModePhoto && mode != models.ModeVideo {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	c.ctl.Lock()
	defer c.ctl.Unlock()
	if state := c.Recorder.Status().State; state != models.RecordingStateIdle && mode != models.ModeVideo {
		return fmt.Errorf("%w: recorder is %s", recorder.ErrBusy, state)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	return nil
}

// Mode returns the capture mode
func (c *Controller) Mode() models.CaptureMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SwitchCamera moves the source to its next device
func (c *Controller) SwitchCamera() (string, error) {
	device, err := c.Source.SwitchDevice()
	if err != nil {
		return "", err
	}

	c.log.WithField("device", device).Info("Camera switched")
	c.Events.Publish(models.Event{Type: models.EventCameraSwitched, Name: device})
	return device, nil
}

// SetOrientation changes the orientation of captured frames
func (c *Controller) SetOrientation(o models.Orientation) error {
	return c.Source.SetOrientation(o)
}

// Status returns a snapshot of the pipeline
func (c *Controller) Status() models.StatusResponse {
	return models.StatusResponse{
		Mode:        c.Mode(),
		Recording:   c.Recorder.Status(),
		Filter:      c.Router.Filter(),
		Device:      c.Source.Device(),
		Orientation: c.Source.Orientation(),
		Router:      c.Router.Stats(),
		HasPreview:  c.Preview.Latest() != nil,
	}
}

// HandleRecordingResult receives the one result of every recording session.
// Successful recordings are moved into the library in the background.
func (c *Controller) HandleRecordingResult(result models.RecordingResult) {
	ev := models.Event{
		Type:      models.EventRecordingCompleted,
		SessionID: result.SessionID,
		Outcome:   string(result.Outcome),
	}
	if result.Err != nil {
		ev.Error = result.Err.Error()
	}
	c.Events.Publish(ev)

	if result.Outcome != models.OutcomeSuccess {
		return
	}

	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		c.saveRecording(result)
	}()
}

func (c *Controller) saveRecording(result models.RecordingResult) {
	ctx, cancel := context.WithTimeout(context.Background(), c.saveTimeout)
	defer cancel()

	log := c.log.WithField("session", result.SessionID)
	item, err := c.Library.SaveVideo(ctx, result.OutputPath)
	if err != nil {
		log.WithError(err).Error("Failed to save recording")
		c.Events.Publish(models.Event{
			Type:      models.EventMediaSaveFailed,
			SessionID: result.SessionID,
			Kind:      models.MediaVideos,
			Error:     err.Error(),
		})
		return
	}

	log.WithFields(logrus.Fields{"name": item.Name, "duration": result.Duration}).Info("Recording saved")
	c.Events.Publish(models.Event{
		Type:      models.EventMediaSaved,
		SessionID: result.SessionID,
		Kind:      models.MediaVideos,
		Name:      item.Name,
	})
}

// Shutdown finalizes any active recording and waits for pending saves
func (c *Controller) Shutdown(ctx context.Context) error {
	err := c.Recorder.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		c.saves.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}
