package muxer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"fullscreencam/internal/metrics"
	"fullscreencam/internal/recorder"
	"fullscreencam/pkg/models"
)

// errClosed is returned by appends after Finalize or Discard
var errClosed = errors.New("encoder session closed")

// EncoderConfig holds ffmpeg encoder settings
type EncoderConfig struct {
	FFmpegPath      string
	FPS             float64
	VideoCodec      string
	VideoBitrate    string // empty lets the codec choose
	Preset          string // only passed when set
	Audio           bool
	SampleRate      int
	Channels        int
	AudioCodec      string
	AudioBitrate    string
	QueueSize       int
	FinalizeTimeout time.Duration
}

func (c *EncoderConfig) setDefaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.VideoCodec == "" {
		c.VideoCodec = "libx264"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.AudioCodec == "" {
		c.AudioCodec = "aac"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 30
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 30 * time.Second
	}
}

// FFmpegEncoder records RGBA frames into MP4 files by piping raw video into an
// ffmpeg process. Audio is spooled to a PCM sidecar and muxed in on finalize.
type FFmpegEncoder struct {
	cfg      EncoderConfig
	metrics  *metrics.Metrics
	lookPath func(string) (string, error)
}

// NewFFmpegEncoder creates a new ffmpeg-based encoder
func NewFFmpegEncoder(cfg EncoderConfig, m *metrics.Metrics) *FFmpegEncoder {
	cfg.setDefaults()
	return &FFmpegEncoder{
		cfg:      cfg,
		metrics:  m,
		lookPath: exec.LookPath,
	}
}

// Open checks ffmpeg is available and reserves the output file
func (e *FFmpegEncoder) Open(ctx context.Context, target models.RecordingTarget) (recorder.EncoderSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bin, err := e.lookPath(e.cfg.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not available: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.OpenFile(target.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	f.Close()

	s := newSession(e, bin, target)
	if e.cfg.Audio {
		if s.pcm, err = os.Create(s.pcmPath); err != nil {
			os.Remove(target.Path)
			return nil, fmt.Errorf("create audio spool: %w", err)
		}
		s.pcmBuf = bufio.NewWriterSize(s.pcm, 64*1024)
	}
	return s, nil
}

type videoItem struct {
	frame *models.Frame
	ts    time.Duration
}

type audioItem struct {
	buf *models.AudioBuffer
	ts  time.Duration
}

type ffmpegSession struct {
	cfg     EncoderConfig
	metrics *metrics.Metrics
	bin     string
	target  models.RecordingTarget
	log     *logrus.Entry

	videoPath string // ffmpeg output; the target itself unless audio is muxed later
	pcmPath   string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	err     error // sticky writer failure
	anchor  time.Duration

	video chan videoItem
	audio chan audioItem
	wg    sync.WaitGroup

	// owned by the video writer until wg is done
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stderr        bytes.Buffer
	width, height int
	vt            videoTimeline
	last          []byte

	// owned by the audio writer until wg is done
	pcm    *os.File
	pcmBuf *bufio.Writer
	at     *audioTimeline
}

func newSession(e *FFmpegEncoder, bin string, target models.RecordingTarget) *ffmpegSession {
	ctx, cancel := context.WithCancel(context.Background())
	ext := filepath.Ext(target.Path)
	base := strings.TrimSuffix(target.Path, ext)

	s := &ffmpegSession{
		cfg:       e.cfg,
		metrics:   e.metrics,
		bin:       bin,
		target:    target,
		log:       logrus.WithFields(logrus.Fields{"component": "encoder", "session": target.SessionID}),
		videoPath: target.Path,
		pcmPath:   base + ".pcm",
		ctx:       ctx,
		cancel:    cancel,
		video:     make(chan videoItem, e.cfg.QueueSize),
		vt:        videoTimeline{fps: e.cfg.FPS},
	}
	if e.cfg.Audio {
		s.videoPath = base + ".video" + ext
		s.audio = make(chan audioItem, e.cfg.QueueSize*4)
		s.at = newAudioTimeline(e.cfg.SampleRate, e.cfg.Channels)
	}
	return s
}

// StartSession fixes the anchor and starts the writers. The ffmpeg process is
// spawned by the first video frame, whose size becomes the output size.
func (s *ffmpegSession) StartSession(anchor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	if s.started {
		return errors.New("encoder session already started")
	}
	s.started = true
	s.anchor = anchor

	s.wg.Add(1)
	go s.runVideo()
	if s.audio != nil {
		s.wg.Add(1)
		go s.runAudio()
	}
	return nil
}

// AppendVideo queues a frame without blocking
func (s *ffmpegSession) AppendVideo(frame *models.Frame, ts time.Duration) error {
	if err := checkFrame(frame); err != nil {
		return fmt.Errorf("%w: %v", recorder.ErrDropped, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendableLocked(); err != nil {
		return err
	}

	select {
	case s.video <- videoItem{frame: frame, ts: ts}:
		return nil
	default:
		return fmt.Errorf("%w: video queue full", recorder.ErrDropped)
	}
}

// AppendAudio queues an s16le buffer without blocking
func (s *ffmpegSession) AppendAudio(buf *models.AudioBuffer, ts time.Duration) error {
	if s.audio == nil {
		return fmt.Errorf("%w: audio disabled", recorder.ErrDropped)
	}
	if buf.SampleRate != s.cfg.SampleRate || buf.Channels != s.cfg.Channels {
		return fmt.Errorf("%w: audio format %dHz/%dch, want %dHz/%dch",
			recorder.ErrDropped, buf.SampleRate, buf.Channels, s.cfg.SampleRate, s.cfg.Channels)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendableLocked(); err != nil {
		return err
	}

	select {
	case s.audio <- audioItem{buf: buf, ts: ts}:
		return nil
	default:
		return fmt.Errorf("%w: audio queue full", recorder.ErrDropped)
	}
}

func (s *ffmpegSession) appendableLocked() error {
	switch {
	case s.err != nil:
		return s.err
	case s.closed:
		return errClosed
	case !s.started:
		return errors.New("encoder session not started")
	}
	return nil
}

func checkFrame(f *models.Frame) error {
	if f.Format != models.PixelFormatRGBA {
		return fmt.Errorf("unsupported pixel format %q", f.Format)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %s", f.Resolution())
	}
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * 4
	}
	if len(f.Data) < stride*(f.Height-1)+f.Width*4 {
		return fmt.Errorf("short frame buffer: %d bytes", len(f.Data))
	}
	return nil
}

// fail records the first writer error; later appends return it
func (s *ffmpegSession) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		s.log.WithError(err).Error("Encoder writer failed")
	}
}

func (s *ffmpegSession) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// closeQueuesLocked stops accepting samples. It reports false if already closed.
func (s *ffmpegSession) closeQueuesLocked() bool {
	if s.closed {
		return false
	}
	s.closed = true
	close(s.video)
	if s.audio != nil {
		close(s.audio)
	}
	return true
}

func (s *ffmpegSession) runVideo() {
	defer s.wg.Done()
	defer func() {
		if s.stdin != nil {
			s.stdin.Close()
		}
	}()

	for item := range s.video {
		if s.failure() != nil {
			continue // drain
		}
		if err := s.writeVideo(item); err != nil {
			s.fail(err)
			s.cancel()
		}
	}
}

func (s *ffmpegSession) writeVideo(item videoItem) error {
	if s.cmd == nil {
		if err := s.spawn(item.frame.Width, item.frame.Height); err != nil {
			return err
		}
	}

	repeat, ok := s.vt.place(recorder.MediaTime(item.ts, s.anchor))
	if !ok {
		s.metrics.RecordEncoderDropped(models.KindVideo.String(), "slot_taken")
		return nil
	}

	pix := s.pixels(item.frame)
	fill := s.last
	if fill == nil {
		fill = pix
	}
	for i := int64(0); i < repeat; i++ {
		if _, err := s.stdin.Write(fill); err != nil {
			return fmt.Errorf("write video: %w", err)
		}
	}
	if _, err := s.stdin.Write(pix); err != nil {
		return fmt.Errorf("write video: %w", err)
	}
	s.last = pix
	return nil
}

// pixels returns tightly packed RGBA bytes at the session size
func (s *ffmpegSession) pixels(f *models.Frame) []byte {
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * 4
	}
	img := &image.NRGBA{Pix: f.Data, Stride: stride, Rect: image.Rect(0, 0, f.Width, f.Height)}
	if f.Width != s.width || f.Height != s.height {
		img = imaging.Fill(img, s.width, s.height, imaging.Center, imaging.Linear)
	}

	rowLen := s.width * 4
	if img.Stride == rowLen {
		return img.Pix[:rowLen*s.height]
	}
	packed := make([]byte, rowLen*s.height)
	for y := 0; y < s.height; y++ {
		copy(packed[y*rowLen:(y+1)*rowLen], img.Pix[y*img.Stride:y*img.Stride+rowLen])
	}
	return packed
}

func (s *ffmpegSession) spawn(width, height int) error {
	s.width, s.height = width, height

	cmd := exec.CommandContext(s.ctx, s.bin, s.videoArgs()...)
	cmd.Stderr = &s.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.log.WithFields(logrus.Fields{
		"size":  fmt.Sprintf("%dx%d", width, height),
		"codec": s.cfg.VideoCodec,
		"pid":   cmd.Process.Pid,
	}).Info("Encoder process started")
	return nil
}

func (s *ffmpegSession) videoArgs() []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", s.width, s.height),
		"-framerate", strconv.FormatFloat(s.cfg.FPS, 'f', -1, 64),
		"-i", "pipe:0",
		"-an",
		"-c:v", s.cfg.VideoCodec,
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2", // yuv420p needs even dimensions
		"-pix_fmt", "yuv420p",
	}
	if s.cfg.Preset != "" {
		args = append(args, "-preset", s.cfg.Preset)
	}
	if s.cfg.VideoBitrate != "" {
		args = append(args, "-b:v", s.cfg.VideoBitrate)
	}
	return append(args, "-movflags", "+faststart", "-f", "mp4", s.videoPath)
}

func (s *ffmpegSession) runAudio() {
	defer s.wg.Done()

	for item := range s.audio {
		if s.failure() != nil {
			continue
		}
		if err := s.writeAudio(item); err != nil {
			s.fail(err)
			s.cancel()
		}
	}
}

func (s *ffmpegSession) writeAudio(item audioItem) error {
	silence, data := s.at.place(recorder.MediaTime(item.ts, s.anchor), item.buf.Data)
	if silence == 0 && len(data) == 0 {
		s.metrics.RecordEncoderDropped(models.KindAudio.String(), "overlap")
		return nil
	}
	if err := s.writeSilence(silence); err != nil {
		return err
	}
	if _, err := s.pcmBuf.Write(data); err != nil {
		return fmt.Errorf("write audio spool: %w", err)
	}
	return nil
}

func (s *ffmpegSession) writeSilence(frames int64) error {
	if frames <= 0 {
		return nil
	}
	zero := make([]byte, 4096)
	remaining := frames * int64(s.at.frameSize)
	for remaining > 0 {
		n := int64(len(zero))
		if remaining < n {
			n = remaining
		}
		if _, err := s.pcmBuf.Write(zero[:n]); err != nil {
			return fmt.Errorf("write audio spool: %w", err)
		}
		remaining -= n
	}
	return nil
}

// Finalize drains the queues, waits for ffmpeg, muxes audio, verifies the
// result and reports it once from a separate goroutine.
func (s *ffmpegSession) Finalize(onComplete func(output string, err error)) {
	s.mu.Lock()
	first := s.closeQueuesLocked()
	s.mu.Unlock()
	if !first {
		return
	}

	go func() {
		timer := time.AfterFunc(s.cfg.FinalizeTimeout, s.cancel)
		output, err := s.finish()
		timer.Stop()
		s.cancel()
		onComplete(output, err)
	}()
}

func (s *ffmpegSession) finish() (string, error) {
	s.wg.Wait()

	var result *multierror.Error
	if err := s.failure(); err != nil {
		result = multierror.Append(result, err)
	}

	if s.cmd == nil {
		result = multierror.Append(result, ErrNoVideo)
	} else if err := s.cmd.Wait(); err != nil {
		result = multierror.Append(result, fmt.Errorf("ffmpeg exited: %w: %s", err, tail(s.stderr.String())))
	}

	if s.pcm != nil {
		if result.ErrorOrNil() == nil {
			if err := s.muxAudio(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		result = multierror.Append(result, s.removeSidecars()...)
	}

	if result.ErrorOrNil() == nil {
		mp4Info, err := InspectMP4(s.target.Path)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("verify output: %w", err))
		} else {
			video, _ := mp4Info.Video()
			s.log.WithFields(logrus.Fields{
				"bytes":    mp4Info.Size,
				"samples":  video.Samples,
				"duration": video.Duration,
			}).Info("Recording written")
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		if rmErr := os.Remove(s.target.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.log.WithError(rmErr).Warn("Failed to remove failed recording")
		}
		return "", err
	}
	return s.target.Path, nil
}

// muxAudio pads the spooled PCM to the video length and muxes both into the target
func (s *ffmpegSession) muxAudio() error {
	duration := s.vt.duration()
	if err := s.writeSilence(s.at.padTo(duration)); err != nil {
		return err
	}
	if err := s.pcmBuf.Flush(); err != nil {
		return fmt.Errorf("flush audio spool: %w", err)
	}

	if s.at.pos == 0 {
		return os.Rename(s.videoPath, s.target.Path)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", s.videoPath,
		"-f", "s16le",
		"-ar", strconv.Itoa(s.cfg.SampleRate),
		"-ac", strconv.Itoa(s.cfg.Channels),
		"-i", s.pcmPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "copy",
		"-c:a", s.cfg.AudioCodec,
	}
	if s.cfg.AudioBitrate != "" {
		args = append(args, "-b:a", s.cfg.AudioBitrate)
	}
	args = append(args,
		"-t", strconv.FormatFloat(duration.Seconds(), 'f', 3, 64),
		"-movflags", "+faststart",
		"-f", "mp4",
		s.target.Path,
	)

	out, err := exec.CommandContext(s.ctx, s.bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mux audio: %w: %s", err, tail(string(out)))
	}
	return nil
}

func (s *ffmpegSession) removeSidecars() []error {
	var errs []error
	if s.pcm != nil {
		if err := s.pcm.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close audio spool: %w", err))
		}
	}
	for _, p := range []string{s.pcmPath, s.videoPath} {
		if p == s.target.Path {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errs
}

// Discard stops any ffmpeg process and removes everything the session wrote
func (s *ffmpegSession) Discard() error {
	s.mu.Lock()
	s.closeQueuesLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if s.cmd != nil {
		_ = s.cmd.Wait() // killed by cancel
	}

	var result *multierror.Error
	if s.pcm != nil {
		result = multierror.Append(result, s.removeSidecars()...)
	}
	if err := os.Remove(s.target.Path); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// tail keeps the end of ffmpeg's stderr for error messages
func tail(s string) string {
	s = strings.TrimSpace(s)
	const limit = 512
	if len(s) > limit {
		return "..." + s[len(s)-limit:]
	}
	return s
}

// CheckFFmpeg checks that ffmpeg is installed and returns its version line
func CheckFFmpeg(path string) (string, error) {
	if path == "" {
		path = "ffmpeg"
	}
	out, err := exec.Command(path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found or not working: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	if line == "" {
		return "", errors.New("ffmpeg produced no output")
	}
	return line, nil
}
