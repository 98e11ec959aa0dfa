package rtmp

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"fullscreencam/internal/auth"
	"fullscreencam/internal/capture"
	"fullscreencam/internal/metrics"
	"fullscreencam/pkg/models"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

func sequenceHeaderTag() []byte {
	tag := []byte{0x17, 0x00, 0x00, 0x00, 0x00}
	tag = append(tag, 0x01, 0x42, 0xc0, 0x1e, 0xff, 0xe1)
	tag = append(tag, 0x00, byte(len(testSPS)))
	tag = append(tag, testSPS...)
	tag = append(tag, 0x01, 0x00, byte(len(testPPS)))
	return append(tag, testPPS...)
}

func naluTag(key bool, cts byte) []byte {
	first := byte(0x27)
	if key {
		first = 0x17
	}
	nal := []byte{0x65, 0x88, 0x84}
	if !key {
		nal[0] = 0x41
	}
	tag := []byte{first, 0x01, 0x00, 0x00, cts, 0x00, 0x00, 0x00, byte(len(nal))}
	return append(tag, nal...)
}

type fakeDecoder struct {
	mu      sync.Mutex
	written [][]byte
	frames  chan *models.Frame
	once    sync.Once
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{frames: make(chan *models.Frame, 16)}
}

func (d *fakeDecoder) Write(annexB []byte, pts time.Duration) error {
	d.mu.Lock()
	d.written = append(d.written, annexB)
	d.mu.Unlock()
	d.frames <- &models.Frame{
		Width:     4,
		Height:    2,
		Format:    models.PixelFormatRGBA,
		Data:      make([]byte, 4*2*4),
		Timestamp: pts,
	}
	return nil
}

func (d *fakeDecoder) ReadFrame() (*models.Frame, error) {
	f, ok := <-d.frames
	if !ok {
		return nil, io.EOF
	}
	return f, nil
}

func (d *fakeDecoder) Close() error {
	d.once.Do(func() { close(d.frames) })
	return nil
}

type frameSink struct {
	mu     sync.Mutex
	frames []*models.Frame
}

func (s *frameSink) Submit(ctx context.Context, sample models.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := sample.(*models.Frame); ok {
		s.frames = append(s.frames, f)
	}
	return nil
}

func (s *frameSink) snapshot() []*models.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Frame(nil), s.frames...)
}

func newTestServer(cfg Config) (*Server, *auth.Manager, *frameSink, *[]*fakeDecoder) {
	am := auth.New(auth.Config{})
	s := New(cfg, am, metrics.New(prometheus.NewRegistry()))
	sink := &frameSink{}
	s.ctx = context.Background()
	s.sink = sink

	decoders := &[]*fakeDecoder{}
	s.newDecoder = func(ctx context.Context, width, height int) (Decoder, error) {
		d := newFakeDecoder()
		*decoders = append(*decoders, d)
		return d, nil
	}
	return s, am, sink, decoders
}

func publish(t *testing.T, h *ConnHandler, name string) error {
	t.Helper()
	return h.OnPublish(nil, 0, &rtmpmsg.NetStreamPublish{PublishingName: name, PublishingType: "live"})
}

func TestParseStreamKeyAndToken(t *testing.T) {
	key, token := parseStreamKeyAndToken("cam?token=abc")
	assert.Equal(t, "cam", key)
	assert.Equal(t, "abc", token)

	key, token = parseStreamKeyAndToken("cam")
	assert.Equal(t, "cam", key)
	assert.Empty(t, token)

	key, token = parseStreamKeyAndToken("cam?x=1&token=def")
	assert.Equal(t, "cam", key)
	assert.Equal(t, "def", token)
}

func TestVideoIsDecodedAndSubmitted(t *testing.T) {
	s, _, sink, decoders := newTestServer(Config{Width: 4, Height: 2})
	h := s.newHandler("127.0.0.1:5000")

	require.NoError(t, publish(t, h, "cam"))
	assert.Equal(t, "cam", s.Device())

	// frames before the sequence header are ignored
	require.NoError(t, h.OnVideo(0, bytes.NewReader(naluTag(true, 0))))
	assert.Empty(t, *decoders)

	require.NoError(t, h.OnVideo(0, bytes.NewReader(sequenceHeaderTag())))
	require.Len(t, *decoders, 1)

	require.NoError(t, h.OnVideo(1000, bytes.NewReader(naluTag(true, 0))))
	require.NoError(t, h.OnVideo(1033, bytes.NewReader(naluTag(false, 33))))

	h.OnClose()

	frames := sink.snapshot()
	require.Len(t, frames, 2)
	assert.Equal(t, time.Duration(0), frames[0].Timestamp)
	assert.Equal(t, 66*time.Millisecond, frames[1].Timestamp)
	assert.Equal(t, uint64(0), frames[0].Seq)
	assert.Equal(t, uint64(1), frames[1].Seq)

	dec := (*decoders)[0]
	require.Len(t, dec.written, 2)
	assert.Equal(t, []byte{0, 0, 0, 1}, dec.written[0][:4])
	assert.Equal(t, testSPS, dec.written[0][4:4+len(testSPS)])
	assert.Equal(t, "", s.Device())
}

func TestOrientationAppliesToRTMPFrames(t *testing.T) {
	s, _, sink, _ := newTestServer(Config{Width: 4, Height: 2})
	require.NoError(t, s.SetOrientation(models.OrientationPortrait))
	h := s.newHandler("127.0.0.1:5000")

	require.NoError(t, publish(t, h, "cam"))
	require.NoError(t, h.OnVideo(0, bytes.NewReader(sequenceHeaderTag())))
	require.NoError(t, h.OnVideo(0, bytes.NewReader(naluTag(true, 0))))
	h.OnClose()

	frames := sink.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, 2, frames[0].Width)
	assert.Equal(t, 4, frames[0].Height)
}

func TestSinglePublisher(t *testing.T) {
	s, _, _, _ := newTestServer(Config{})
	first := s.newHandler("a")
	second := s.newHandler("b")

	require.NoError(t, publish(t, first, "cam"))
	assert.ErrorIs(t, publish(t, second, "cam"), ErrPublisherActive)

	first.OnClose()
	assert.NoError(t, publish(t, second, "cam"))
	second.OnClose()
}

func TestTimestampsContinueAcrossPublishers(t *testing.T) {
	s, _, sink, _ := newTestServer(Config{Width: 4, Height: 2})

	for i := 0; i < 2; i++ {
		h := s.newHandler("a")
		require.NoError(t, publish(t, h, "cam"))
		require.NoError(t, h.OnVideo(5000, bytes.NewReader(sequenceHeaderTag())))
		require.NoError(t, h.OnVideo(5000, bytes.NewReader(naluTag(true, 0))))
		require.NoError(t, h.OnVideo(5100, bytes.NewReader(naluTag(true, 0))))
		h.OnClose()
	}

	frames := sink.snapshot()
	require.Len(t, frames, 4)
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].Timestamp, frames[i-1].Timestamp)
	}
	assert.Equal(t, 100*time.Millisecond+publisherGap, frames[2].Timestamp)
}

func TestPublishAuthorization(t *testing.T) {
	s, am, _, _ := newTestServer(Config{StreamKey: "cam", RequireToken: true})

	assert.ErrorIs(t, publish(t, s.newHandler("a"), "other"), ErrUnknownStream)
	assert.ErrorIs(t, publish(t, s.newHandler("a"), "cam"), ErrTokenRequired)
	assert.ErrorIs(t, publish(t, s.newHandler("a"), "cam?token=bogus"), auth.ErrInvalidToken)

	tok, err := am.GenerateToken("cam", 0, "test")
	require.NoError(t, err)

	h := s.newHandler("a")
	require.NoError(t, publish(t, h, "cam?token="+tok.Token))
	h.OnClose()

	// tokens are single use
	assert.ErrorIs(t, publish(t, s.newHandler("b"), "cam?token="+tok.Token), auth.ErrTokenExpired)
}

func TestSwitchDeviceUnsupported(t *testing.T) {
	s, _, _, _ := newTestServer(Config{})
	_, err := s.SwitchDevice()
	assert.ErrorIs(t, err, capture.ErrUnsupported)
}

func TestServeStopsWithContext(t *testing.T) {
	s := New(Config{}, auth.New(auth.Config{}), metrics.New(prometheus.NewRegistry()))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, l, &frameSink{}) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err == nil {
		conn.Close()
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
