package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fullscreencam/pkg/models"
)

// Pattern names double as device names for the synthetic camera
var patterns = []string{"bars", "gradient", "checker"}

var barColors = []color.NRGBA{
	{0xc0, 0xc0, 0xc0, 0xff},
	{0xc0, 0xc0, 0x00, 0xff},
	{0x00, 0xc0, 0xc0, 0xff},
	{0x00, 0xc0, 0x00, 0xff},
	{0xc0, 0x00, 0xc0, 0xff},
	{0xc0, 0x00, 0x00, 0xff},
	{0x00, 0x00, 0xc0, 0xff},
	{0x10, 0x10, 0x10, 0xff},
}

// PatternConfig holds synthetic camera settings
type PatternConfig struct {
	Width      int
	Height     int
	FPS        float64
	Audio      bool
	SampleRate int
	Channels   int
	ToneHz     float64
}

// PatternSource is a synthetic camera producing moving test patterns and an
// optional sine tone. Its clock is the frame counter, so timestamps are exact.
type PatternSource struct {
	cfg PatternConfig

	mu          sync.Mutex
	device      int
	orientation models.Orientation
}

// NewPatternSource creates a synthetic camera
func NewPatternSource(cfg PatternConfig) *PatternSource {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 640, 480
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = 440
	}
	return &PatternSource{cfg: cfg, orientation: models.OrientationLandscape}
}

func (p *PatternSource) Name() string { return "pattern" }

func (p *PatternSource) Device() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return patterns[p.device]
}

func (p *PatternSource) SwitchDevice() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device = (p.device + 1) % len(patterns)
	return patterns[p.device], nil
}

func (p *PatternSource) SetOrientation(o models.Orientation) error {
	if !o.Valid() {
		return fmt.Errorf("invalid orientation %q", o)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orientation = o
	return nil
}

func (p *PatternSource) Orientation() models.Orientation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.orientation
}

// Run produces samples at the configured frame rate until ctx is cancelled
func (p *PatternSource) Run(ctx context.Context, sink Submitter) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / p.cfg.FPS))
	defer ticker.Stop()

	log := logrus.WithFields(logrus.Fields{"component": "capture", "source": p.Name()})
	log.WithFields(logrus.Fields{
		"size": fmt.Sprintf("%dx%d", p.cfg.Width, p.cfg.Height),
		"fps":  p.cfg.FPS,
	}).Info("Capture started")

	var seq uint64
	var samplePos int64
	for {
		select {
		case <-ctx.Done():
			log.Info("Capture stopped")
			return nil
		case <-ticker.C:
		}

		if err := sink.Submit(ctx, p.Frame(seq)); err != nil {
			return submitErr(ctx, err)
		}

		if p.cfg.Audio {
			end := int64(float64(seq+1) / p.cfg.FPS * float64(p.cfg.SampleRate))
			if err := sink.Submit(ctx, p.Tone(seq, samplePos, int(end-samplePos))); err != nil {
				return submitErr(ctx, err)
			}
			samplePos = end
		}
		seq++
	}
}

// submitErr treats a cancelled context as a clean stop
func submitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("submit sample: %w", err)
}

// Frame renders frame seq of the current pattern in the current orientation
func (p *PatternSource) Frame(seq uint64) *models.Frame {
	p.mu.Lock()
	device, orientation := p.device, p.orientation
	p.mu.Unlock()

	w, h := p.cfg.Width, p.cfg.Height
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	shift := int(seq)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var c color.NRGBA
			switch patterns[device] {
			case "gradient":
				v := uint8((x + shift) % w * 255 / w)
				c = color.NRGBA{v, uint8(y * 255 / h), 255 - v, 0xff}
			case "checker":
				if ((x+shift)/16+y/16)%2 == 0 {
					c = color.NRGBA{0xf0, 0xf0, 0xf0, 0xff}
				} else {
					c = color.NRGBA{0x20, 0x20, 0x20, 0xff}
				}
			default:
				c = barColors[((x+shift)%w)*len(barColors)/w]
			}
			img.SetNRGBA(x, y, c)
		}
	}

	f := frameFromImage(Orient(img, orientation))
	f.Seq = seq
	f.Timestamp = time.Duration(float64(seq) / p.cfg.FPS * float64(time.Second))
	return f
}

// Tone returns n sample frames of a sine tone starting at sample position pos
func (p *PatternSource) Tone(seq uint64, pos int64, n int) *models.AudioBuffer {
	ch := p.cfg.Channels
	data := make([]byte, n*ch*2)
	for i := 0; i < n; i++ {
		t := float64(pos+int64(i)) / float64(p.cfg.SampleRate)
		v := int16(0.2 * math.MaxInt16 * math.Sin(2*math.Pi*p.cfg.ToneHz*t))
		for c := 0; c < ch; c++ {
			binary.LittleEndian.PutUint16(data[(i*ch+c)*2:], uint16(v))
		}
	}
	return &models.AudioBuffer{
		Seq:        seq,
		Timestamp:  time.Duration(pos) * time.Second / time.Duration(p.cfg.SampleRate),
		SampleRate: p.cfg.SampleRate,
		Channels:   ch,
		Data:       data,
	}
}
