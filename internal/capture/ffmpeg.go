package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"fullscreencam/pkg/models"
)

var (
	errRestart = errors.New("capture restart requested")
	errSink    = errors.New("sink rejected sample")
)

// FFmpegConfig holds settings for a device captured through ffmpeg
type FFmpegConfig struct {
	FFmpegPath   string
	InputFormat  string   // v4l2, avfoundation, dshow or lavfi
	Devices      []string // switchable video inputs
	AudioFormat  string   // defaults to InputFormat
	AudioDevice  string   // empty disables audio
	Width        int
	Height       int
	FPS          float64
	SampleRate   int
	Channels     int
	RestartDelay time.Duration
}

// FFmpegSource captures a local device by running ffmpeg and reading raw RGBA
// frames from its stdout and s16le audio from fd 3.
type FFmpegSource struct {
	cfg     FFmpegConfig
	restart chan struct{}

	mu          sync.Mutex
	device      int
	orientation models.Orientation
}

// NewFFmpegSource creates a device source
func NewFFmpegSource(cfg FFmpegConfig) (*FFmpegSource, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.InputFormat == "" {
		return nil, errors.New("capture input format is required")
	}
	if len(cfg.Devices) == 0 {
		return nil, errors.New("at least one capture device is required")
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = cfg.InputFormat
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 720
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
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}

	return &FFmpegSource{
		cfg:         cfg,
		restart:     make(chan struct{}, 1),
		orientation: models.OrientationLandscape,
	}, nil
}

func (s *FFmpegSource) Name() string { return "ffmpeg" }

func (s *FFmpegSource) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Devices[s.device]
}

// SwitchDevice moves to the next configured device and restarts capture on it
func (s *FFmpegSource) SwitchDevice() (string, error) {
	if len(s.cfg.Devices) < 2 {
		return "", fmt.Errorf("%w: only one device configured", ErrUnsupported)
	}

	s.mu.Lock()
	s.device = (s.device + 1) % len(s.cfg.Devices)
	device := s.cfg.Devices[s.device]
	s.mu.Unlock()

	select {
	case s.restart <- struct{}{}:
	default:
	}
	return device, nil
}

func (s *FFmpegSource) SetOrientation(o models.Orientation) error {
	if !o.Valid() {
		return fmt.Errorf("invalid orientation %q", o)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orientation = o
	return nil
}

func (s *FFmpegSource) Orientation() models.Orientation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orientation
}

// Run captures until ctx is cancelled. ffmpeg is restarted after a device
// switch and, after a delay, when it exits on its own.
func (s *FFmpegSource) Run(ctx context.Context, sink Submitter) error {
	bin, err := exec.LookPath(s.cfg.FFmpegPath)
	if err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}

	log := logrus.WithFields(logrus.Fields{"component": "capture", "source": s.Name()})
	clock := time.Now()
	var seq uint64

	for {
		device := s.Device()
		log.WithField("device", device).Info("Capture started")

		err := s.runOnce(ctx, bin, device, clock, &seq, sink)
		switch {
		case ctx.Err() != nil:
			log.Info("Capture stopped")
			return nil
		case errors.Is(err, errRestart):
			continue
		case errors.Is(err, errSink):
			return err
		}

		log.WithField("device", device).WithError(err).Warn("Capture process ended, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RestartDelay):
		}
	}
}

func (s *FFmpegSource) runOnce(ctx context.Context, bin, device string, clock time.Time, seq *uint64, sink Submitter) error {
	g, gctx := errgroup.WithContext(ctx)

	cmd := exec.CommandContext(gctx, bin, s.args(device)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	var audioR, audioW *os.File
	if s.cfg.AudioDevice != "" {
		if audioR, audioW, err = os.Pipe(); err != nil {
			return fmt.Errorf("create audio pipe: %w", err)
		}
		defer audioR.Close()
		cmd.ExtraFiles = []*os.File{audioW}
	}

	if err := cmd.Start(); err != nil {
		if audioW != nil {
			audioW.Close()
		}
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	if audioW != nil {
		audioW.Close() // the child holds its own copy
	}
	base := time.Since(clock)

	g.Go(func() error { return s.readVideo(gctx, stdout, clock, seq, sink) })
	if audioR != nil {
		g.Go(func() error { return s.readAudio(gctx, audioR, base, sink) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-s.restart:
			return errRestart
		}
	})

	err = g.Wait()
	waitErr := cmd.Wait()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = fmt.Errorf("ffmpeg exited: %v: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return err
}

func (s *FFmpegSource) readVideo(ctx context.Context, r io.Reader, clock time.Time, seq *uint64, sink Submitter) error {
	w, h := s.cfg.Width, s.cfg.Height
	for {
		buf := make([]byte, w*h*4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}

		img := &image.NRGBA{Pix: buf, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
		f := frameFromImage(Orient(img, s.Orientation()))
		f.Seq = *seq
		f.Timestamp = time.Since(clock)
		*seq++

		if err := sink.Submit(ctx, f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", errSink, err)
		}
	}
}

func (s *FFmpegSource) readAudio(ctx context.Context, r io.Reader, base time.Duration, sink Submitter) error {
	frameSize := s.cfg.Channels * 2
	chunk := s.cfg.SampleRate / 50 // 20ms
	var pos int64
	var seq uint64

	for {
		buf := make([]byte, chunk*frameSize)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}

		ab := &models.AudioBuffer{
			Seq:        seq,
			Timestamp:  base + time.Duration(pos)*time.Second/time.Duration(s.cfg.SampleRate),
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
			Data:       buf,
		}
		pos += int64(chunk)
		seq++

		if err := sink.Submit(ctx, ab); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", errSink, err)
		}
	}
}

func (s *FFmpegSource) args(device string) []string {
	size := fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height)
	fps := strconv.FormatFloat(s.cfg.FPS, 'f', -1, 64)

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if s.cfg.InputFormat == "lavfi" {
		args = append(args, "-re", "-f", "lavfi", "-i", device)
	} else {
		args = append(args, "-f", s.cfg.InputFormat, "-framerate", fps, "-video_size", size, "-i", device)
	}
	if s.cfg.AudioDevice != "" {
		args = append(args, "-f", s.cfg.AudioFormat, "-i", s.cfg.AudioDevice)
	}

	args = append(args,
		"-map", "0:v",
		"-vf", fmt.Sprintf("scale=%d:%d", s.cfg.Width, s.cfg.Height),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"pipe:1",
	)
	if s.cfg.AudioDevice != "" {
		args = append(args,
			"-map", "1:a",
			"-ar", strconv.Itoa(s.cfg.SampleRate),
			"-ac", strconv.Itoa(s.cfg.Channels),
			"-f", "s16le",
			"pipe:3",
		)
	}
	return args
}
