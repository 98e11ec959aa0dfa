// Package preview holds the most recent routed frame for display.
//
// Put never blocks: it replaces the latest frame and wakes subscribers, which
// pull the newest frame whenever they are ready. Slow viewers skip frames
// instead of delaying the router.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"fullscreencam/internal/router"
	"fullscreencam/pkg/models"
)

// ErrNoFrame is returned before the first frame has been previewed
var ErrNoFrame = errors.New("no frame previewed yet")

// Sink is the preview display
type Sink struct {
	quality int
	latest  atomic.Pointer[models.Frame]

	mu   sync.Mutex
	subs map[chan struct{}]struct{}

	jpegMu    sync.Mutex
	jpegFrame *models.Frame
	jpegData  []byte
}

// New creates a preview sink encoding snapshots at the given JPEG quality
func New(quality int) *Sink {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Sink{
		quality: quality,
		subs:    make(map[chan struct{}]struct{}),
	}
}

// Put displays a frame
func (s *Sink) Put(frame *models.Frame) {
	s.latest.Store(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Latest returns the most recent frame, or nil
func (s *Sink) Latest() *models.Frame {
	return s.latest.Load()
}

// Image returns a copy of the most recent frame as an image
func (s *Sink) Image() (*image.NRGBA, *models.Frame, error) {
	f := s.latest.Load()
	if f == nil {
		return nil, nil, ErrNoFrame
	}
	img, err := router.ToImage(f)
	if err != nil {
		return nil, nil, fmt.Errorf("convert preview frame: %w", err)
	}
	return img, f, nil
}

// JPEG returns the most recent frame encoded as JPEG. The encoding is cached
// until a new frame arrives, so any number of viewers share one encode.
func (s *Sink) JPEG() ([]byte, *models.Frame, error) {
	f := s.latest.Load()
	if f == nil {
		return nil, nil, ErrNoFrame
	}

	s.jpegMu.Lock()
	defer s.jpegMu.Unlock()
	if s.jpegFrame == f {
		return s.jpegData, f, nil
	}

	img, err := router.ToImage(f)
	if err != nil {
		return nil, nil, fmt.Errorf("convert preview frame: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(s.quality)); err != nil {
		return nil, nil, fmt.Errorf("encode preview: %w", err)
	}

	s.jpegFrame = f
	s.jpegData = buf.Bytes()
	return s.jpegData, f, nil
}

// Subscribe returns a channel signalled when a new frame is available and a
// function that ends the subscription.
func (s *Sink) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

// Subscribers returns the number of active subscriptions
func (s *Sink) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
