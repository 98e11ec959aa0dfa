package preview

import (
	"bytes"
	"image"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fullscreencam/pkg/models"
)

func rgbaFrame(seq uint64, w, h int) *models.Frame {
	data := make([]byte, w*h*4)
	for i := 3; i < len(data); i += 4 {
		data[i] = 0xff
	}
	return &models.Frame{Seq: seq, Width: w, Height: h, Format: models.PixelFormatRGBA, Data: data}
}

func TestEmptySink(t *testing.T) {
	s := New(0)
	assert.Nil(t, s.Latest())

	_, _, err := s.Image()
	assert.ErrorIs(t, err, ErrNoFrame)
	_, _, err = s.JPEG()
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestLatestFrameWins(t *testing.T) {
	s := New(80)
	s.Put(rgbaFrame(1, 8, 4))
	s.Put(rgbaFrame(2, 8, 4))

	assert.Equal(t, uint64(2), s.Latest().Seq)

	img, f, err := s.Image()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Seq)
	assert.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())
}

func TestJPEGIsCachedPerFrame(t *testing.T) {
	s := New(80)
	s.Put(rgbaFrame(1, 16, 8))

	first, f, err := s.JPEG()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	again, _, err := s.JPEG()
	require.NoError(t, err)
	assert.Same(t, &first[0], &again[0])

	decoded, err := imaging.Decode(bytes.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 8), decoded.Bounds())

	s.Put(rgbaFrame(2, 16, 8))
	_, f, err = s.JPEG()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Seq)
}

func TestSubscribersAreSignalledWithoutBlocking(t *testing.T) {
	s := New(80)
	ch, cancel := s.Subscribe()
	assert.Equal(t, 1, s.Subscribers())

	// many puts with nobody reading must not block
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Put(rgbaFrame(uint64(i), 2, 2))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Put blocked on a slow subscriber")
	}

	select {
	case <-ch:
	default:
		t.Fatal("subscriber was not signalled")
	}

	cancel()
	cancel()
	assert.Equal(t, 0, s.Subscribers())
}
