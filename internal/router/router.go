// Package router turns captured samples into preview and encoder input.
//
// Video and audio each travel through their own ordered channel drained by a
// dedicated worker, so ordering is preserved per stream and a slow stream never
// delays the other one. Every video frame is converted to RGBA, filtered with the
// selection in effect when the frame is picked up, and handed to the preview sink
// and the recording gate. The gate decides whether the frame reaches an encoder.
package router

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"fullscreencam/internal/filter"
	"fullscreencam/internal/metrics"
	"fullscreencam/pkg/models"
)

// ErrStopped is returned by Submit once the router is no longer running
var ErrStopped = errors.New("router stopped")

// logEvery limits repeated per-frame error logs to one line per this many failures
const logEvery = 100

// PreviewSink displays routed frames. Put must not block.
type PreviewSink interface {
	Put(frame *models.Frame)
}

// RecordingGate receives every routed sample and forwards it to an encoder
// only while a recording session accepts it.
type RecordingGate interface {
	HandleVideo(frame *models.Frame)
	HandleAudio(buf *models.AudioBuffer)
}

// FilterLookup resolves filter names
type FilterLookup interface {
	Lookup(name string) (filter.Filter, error)
}

// Config holds router settings
type Config struct {
	VideoQueueSize int
	AudioQueueSize int
}

// Router distributes captured samples to the preview and recording paths
type Router struct {
	filters FilterLookup
	preview PreviewSink
	gate    RecordingGate
	metrics *metrics.Metrics

	selection atomic.Pointer[models.FilterSelection]

	video chan *models.Frame
	audio chan *models.AudioBuffer

	done     chan struct{}
	running  atomic.Bool
	stopOnce sync.Once

	videoFrames        atomic.Uint64
	audioBuffers       atomic.Uint64
	conversionFailures atomic.Uint64
	filterFailures     atomic.Uint64
}

// New creates a router. Call Run to start the workers.
func New(cfg Config, filters FilterLookup, preview PreviewSink, gate RecordingGate, m *metrics.Metrics) *Router {
	if cfg.VideoQueueSize <= 0 {
		cfg.VideoQueueSize = 8
	}
	if cfg.AudioQueueSize <= 0 {
		cfg.AudioQueueSize = 64
	}

	r := &Router{
		filters: filters,
		preview: preview,
		gate:    gate,
		metrics: m,
		video:   make(chan *models.Frame, cfg.VideoQueueSize),
		audio:   make(chan *models.AudioBuffer, cfg.AudioQueueSize),
		done:    make(chan struct{}),
	}
	r.selection.Store(&models.FilterSelection{})
	return r
}

// SetFilter publishes a new selection. Frames picked up after this call use it;
// frames already being processed keep the selection they started with.
func (r *Router) SetFilter(sel models.FilterSelection) {
	r.selection.Store(&sel)
}

// Filter returns the current selection
func (r *Router) Filter() models.FilterSelection {
	return *r.selection.Load()
}

// Submit enqueues a sample on its stream's channel. It blocks while the channel
// is full, which pushes back on the capture source instead of dropping frames.
// Ownership of the sample passes to the router until it has been processed.
func (r *Router) Submit(ctx context.Context, s models.Sample) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}

	switch v := s.(type) {
	case *models.Frame:
		select {
		case r.video <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return ErrStopped
		}
	case *models.AudioBuffer:
		select {
		case r.audio <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return ErrStopped
		}
	default:
		return fmt.Errorf("unsupported sample type %T", s)
	}
}

// Run processes samples until ctx is cancelled. Samples still queued when ctx
// ends are discarded.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("router already running")
	}
	defer r.stopOnce.Do(func() { close(r.done) })

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-r.video:
				r.ProcessVideo(f)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-r.audio:
				r.ProcessAudio(b)
			}
		}
	}()

	wg.Wait()
	logrus.WithField("component", "router").Info("Frame router stopped")
	return nil
}

// ProcessVideo routes one frame synchronously on the calling goroutine
func (r *Router) ProcessVideo(raw *models.Frame) {
	start := time.Now()
	r.videoFrames.Add(1)
	r.metrics.RecordSample(models.KindVideo.String())

	// One load per frame: the whole frame sees a single selection.
	sel := r.selection.Load()

	img, err := ToImage(raw)
	if err != nil {
		n := r.conversionFailures.Add(1)
		r.metrics.RecordConversionFailure(string(raw.Format))
		r.metrics.RecordDropped(models.KindVideo.String(), "conversion")
		if n%logEvery == 1 {
			logrus.WithFields(logrus.Fields{
				"component": "router",
				"seq":       raw.Seq,
				"failures":  n,
			}).WithError(err).Warn("Skipping frame that could not be converted")
		}
		return
	}

	filtered, ok := r.applyFilter(sel, img)
	out := FromImage(filtered, raw)
	out.Filter = sel.Name
	out.Filtered = ok

	r.preview.Put(out)
	r.metrics.RecordPreview()

	r.gate.HandleVideo(out)
	r.metrics.ObserveFrameProcessing(time.Since(start).Seconds())
}

// applyFilter returns the filtered image and true, or img itself and false when
// no filter is selected or the filter fails.
func (r *Router) applyFilter(sel *models.FilterSelection, img *image.NRGBA) (*image.NRGBA, bool) {
	if sel.IsNone() {
		return img, false
	}

	f, err := r.filters.Lookup(sel.Name)
	if err == nil {
		var out *image.NRGBA
		out, err = filter.Run(f, img, sel.Intensity)
		if err == nil {
			return out, true
		}
	}

	n := r.filterFailures.Add(1)
	r.metrics.RecordFilterFailure(sel.Name)
	if n%logEvery == 1 {
		logrus.WithFields(logrus.Fields{
			"component": "router",
			"filter":    sel.Name,
			"failures":  n,
		}).WithError(err).Warn("Filter failed, using unfiltered frame")
	}
	return img, false
}

// ProcessAudio routes one audio buffer synchronously on the calling goroutine
func (r *Router) ProcessAudio(buf *models.AudioBuffer) {
	r.audioBuffers.Add(1)
	r.metrics.RecordSample(models.KindAudio.String())
	r.gate.HandleAudio(buf)
}

// Stats returns a snapshot of the router counters
func (r *Router) Stats() models.RouterStats {
	return models.RouterStats{
		VideoFrames:        r.videoFrames.Load(),
		AudioBuffers:       r.audioBuffers.Load(),
		ConversionFailures: r.conversionFailures.Load(),
		FilterFailures:     r.filterFailures.Load(),
	}
}
