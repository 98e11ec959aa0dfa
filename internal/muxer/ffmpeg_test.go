package muxer

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fullscreencam/internal/metrics"
	"fullscreencam/internal/recorder"
	"fullscreencam/pkg/models"
)

func newTestEncoder(cfg EncoderConfig, bin string) *FFmpegEncoder {
	e := NewFFmpegEncoder(cfg, metrics.New(prometheus.NewRegistry()))
	e.lookPath = func(string) (string, error) { return bin, nil }
	return e
}

func testTarget(t *testing.T) models.RecordingTarget {
	return models.RecordingTarget{SessionID: "s1", Path: filepath.Join(t.TempDir(), "rec", "s1.mp4")}
}

func solidFrame(w, h int, ts time.Duration) *models.Frame {
	data := make([]byte, w*h*4)
	for i := 0; i < len(data); i += 4 {
		data[i], data[i+1], data[i+2], data[i+3] = 0x20, 0x80, 0xe0, 0xff
	}
	return &models.Frame{Width: w, Height: h, Format: models.PixelFormatRGBA, Timestamp: ts, Data: data}
}

func finalize(t *testing.T, s recorder.EncoderSession) (string, error) {
	t.Helper()
	type result struct {
		output string
		err    error
	}
	done := make(chan result, 1)
	s.Finalize(func(output string, err error) { done <- result{output, err} })

	select {
	case r := <-done:
		return r.output, r.err
	case <-time.After(30 * time.Second):
		t.Fatal("finalize did not complete")
		return "", nil
	}
}

func TestOpenWithoutFFmpeg(t *testing.T) {
	e := NewFFmpegEncoder(EncoderConfig{}, metrics.New(prometheus.NewRegistry()))
	e.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	target := testTarget(t)

	_, err := e.Open(context.Background(), target)
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.NoFileExists(t, target.Path)
}

func TestOpenReservesOutput(t *testing.T) {
	e := newTestEncoder(EncoderConfig{Audio: true}, "/nonexistent/ffmpeg")
	target := testTarget(t)

	s, err := e.Open(context.Background(), target)
	require.NoError(t, err)
	assert.FileExists(t, target.Path)
	assert.FileExists(t, filepath.Join(filepath.Dir(target.Path), "s1.pcm"))

	_, err = e.Open(context.Background(), target)
	assert.Error(t, err, "the same location cannot be reserved twice")

	require.NoError(t, s.Discard())
	assert.NoFileExists(t, target.Path)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(target.Path), "s1.pcm"))
}

func TestOpenCancelledContext(t *testing.T) {
	e := newTestEncoder(EncoderConfig{}, "/nonexistent/ffmpeg")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Open(ctx, testTarget(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAppendValidation(t *testing.T) {
	e := newTestEncoder(EncoderConfig{SampleRate: 48000, Channels: 1, Audio: true}, "/nonexistent/ffmpeg")
	s, err := e.Open(context.Background(), testTarget(t))
	require.NoError(t, err)
	defer s.Discard()

	err = s.AppendVideo(solidFrame(2, 2, 0), 0)
	assert.Error(t, err, "append before start")
	assert.False(t, errors.Is(err, recorder.ErrDropped))

	bgra := solidFrame(2, 2, 0)
	bgra.Format = models.PixelFormatBGRA
	assert.ErrorIs(t, s.AppendVideo(bgra, 0), recorder.ErrDropped)

	short := solidFrame(2, 2, 0)
	short.Data = short.Data[:8]
	assert.ErrorIs(t, s.AppendVideo(short, 0), recorder.ErrDropped)

	stereo := &models.AudioBuffer{SampleRate: 44100, Channels: 2, Data: make([]byte, 8)}
	assert.ErrorIs(t, s.AppendAudio(stereo, 0), recorder.ErrDropped)
}

func TestVideoQueueFull(t *testing.T) {
	e := newTestEncoder(EncoderConfig{QueueSize: 1}, "/nonexistent/ffmpeg")
	sess, err := e.Open(context.Background(), testTarget(t))
	require.NoError(t, err)
	s := sess.(*ffmpegSession)

	// started without writers, so nothing drains the queue
	s.started = true

	require.NoError(t, s.AppendVideo(solidFrame(2, 2, 0), 0))
	assert.ErrorIs(t, s.AppendVideo(solidFrame(2, 2, 0), time.Millisecond), recorder.ErrDropped)

	s.started = false
	require.NoError(t, s.Discard())
}

func TestFinalizeWithoutFramesFails(t *testing.T) {
	e := newTestEncoder(EncoderConfig{}, "/nonexistent/ffmpeg")
	target := testTarget(t)
	s, err := e.Open(context.Background(), target)
	require.NoError(t, err)
	require.NoError(t, s.StartSession(0))

	output, err := finalize(t, s)
	assert.ErrorIs(t, err, ErrNoVideo)
	assert.Empty(t, output)
	assert.NoFileExists(t, target.Path)

	assert.Error(t, s.AppendVideo(solidFrame(2, 2, 0), 0), "closed after finalize")
}

func TestWriterFailureIsSticky(t *testing.T) {
	e := newTestEncoder(EncoderConfig{}, "/nonexistent/ffmpeg")
	target := testTarget(t)
	s, err := e.Open(context.Background(), target)
	require.NoError(t, err)
	require.NoError(t, s.StartSession(0))

	require.NoError(t, s.AppendVideo(solidFrame(2, 2, 0), 0))

	// the process cannot start, so the writer fails and later appends see it
	require.Eventually(t, func() bool {
		err := s.AppendVideo(solidFrame(2, 2, time.Second), time.Second)
		return err != nil && !errors.Is(err, recorder.ErrDropped)
	}, 5*time.Second, 10*time.Millisecond)

	output, err := finalize(t, s)
	assert.Error(t, err)
	assert.Empty(t, output)
	assert.NoFileExists(t, target.Path)
}

func TestEncodeWithFFmpeg(t *testing.T) {
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}

	cfg := EncoderConfig{
		FPS:        10,
		VideoCodec: "mpeg4",
		Audio:      true,
		SampleRate: 8000,
		Channels:   1,
		AudioCodec: "aac",
	}
	e := newTestEncoder(cfg, bin)
	target := testTarget(t)

	s, err := e.Open(context.Background(), target)
	require.NoError(t, err)
	require.NoError(t, s.StartSession(time.Second))

	for i := 0; i < 10; i++ {
		ts := time.Second + time.Duration(i)*100*time.Millisecond
		w, h := 64, 48
		if i == 5 {
			w, h = 32, 32 // resized to the session size
		}
		require.NoError(t, s.AppendVideo(solidFrame(w, h, ts), ts))
		require.NoError(t, s.AppendAudio(&models.AudioBuffer{
			Timestamp:  ts,
			SampleRate: 8000,
			Channels:   1,
			Data:       make([]byte, 1600), // 100ms
		}, ts))
		time.Sleep(5 * time.Millisecond)
	}

	output, err := finalize(t, s)
	require.NoError(t, err)
	assert.Equal(t, target.Path, output)

	result, err := InspectMP4(output)
	require.NoError(t, err)
	video, ok := result.Video()
	require.True(t, ok)
	assert.GreaterOrEqual(t, video.Samples, uint32(1))

	var hasAudio bool
	for _, tr := range result.Tracks {
		hasAudio = hasAudio || tr.Handler == "soun"
	}
	assert.True(t, hasAudio)

	_, err = os.Stat(filepath.Join(filepath.Dir(target.Path), "s1.pcm"))
	assert.True(t, os.IsNotExist(err), "audio spool removed")
}
