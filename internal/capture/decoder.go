package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"fullscreencam/pkg/models"
)

// maxPendingPTS bounds the timestamp queue when ffmpeg drops undecodable pictures
const maxPendingPTS = 64

// H264Decoder turns an Annex-B H.264 elementary stream into RGBA frames by
// piping it through ffmpeg. Presentation timestamps are queued on Write and
// handed out in ascending order as pictures come out, which matches the
// decoder's reordering of B-frames.
type H264Decoder struct {
	width  int
	height int

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr bytes.Buffer

	mu      sync.Mutex
	pending []time.Duration
	last    time.Duration
	seq     uint64
}

// StartH264Decoder starts a decoder scaling every picture to width x height
func StartH264Decoder(ctx context.Context, ffmpegPath string, width, height int) (*H264Decoder, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid decoder size %dx%d", width, height)
	}
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	d := &H264Decoder{width: width, height: height}
	d.cmd = exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-f", "h264",
		"-i", "pipe:0",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-fps_mode", "passthrough",
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
		"pipe:1",
	)
	d.cmd.Stderr = &d.stderr

	var err error
	if d.stdin, err = d.cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if d.stdout, err = d.cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := d.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start decoder: %w", err)
	}
	return d, nil
}

// Write feeds one access unit with its presentation timestamp
func (d *H264Decoder) Write(annexB []byte, pts time.Duration) error {
	d.mu.Lock()
	i := sort.Search(len(d.pending), func(i int) bool { return d.pending[i] > pts })
	d.pending = append(d.pending, 0)
	copy(d.pending[i+1:], d.pending[i:])
	d.pending[i] = pts
	if len(d.pending) > maxPendingPTS {
		d.pending = d.pending[1:]
	}
	d.mu.Unlock()

	if _, err := d.stdin.Write(annexB); err != nil {
		return fmt.Errorf("write to decoder: %w", err)
	}
	return nil
}

// ReadFrame blocks until the next decoded picture is available
func (d *H264Decoder) ReadFrame() (*models.Frame, error) {
	buf := make([]byte, d.width*d.height*4)
	if _, err := io.ReadFull(d.stdout, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return nil, err
	}

	d.mu.Lock()
	pts := d.last
	if len(d.pending) > 0 {
		pts = d.pending[0]
		d.pending = d.pending[1:]
	}
	if pts < d.last {
		pts = d.last
	}
	d.last = pts
	seq := d.seq
	d.seq++
	d.mu.Unlock()

	img := &image.NRGBA{Pix: buf, Stride: d.width * 4, Rect: image.Rect(0, 0, d.width, d.height)}
	f := frameFromImage(img)
	f.Seq = seq
	f.Timestamp = pts
	return f, nil
}

// Close flushes the decoder and waits for ffmpeg to exit. Pictures still
// buffered must be drained with ReadFrame concurrently.
func (d *H264Decoder) Close() error {
	var result *multierror.Error
	if err := d.stdin.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close decoder input: %w", err))
	}
	if err := d.cmd.Wait(); err != nil {
		result = multierror.Append(result, fmt.Errorf("decoder exited: %w: %s", err, strings.TrimSpace(d.stderr.String())))
	}
	return result.ErrorOrNil()
}
