// Package rtmp lets a remote encoder act as the camera: a publisher pushes
// H.264 over RTMP and the decoded pictures enter the frame router like any
// local capture.
package rtmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"fullscreencam/internal/auth"
	"fullscreencam/internal/capture"
	"fullscreencam/internal/metrics"
	"fullscreencam/internal/muxer"
	"fullscreencam/internal/recorder"
	"fullscreencam/pkg/models"
)

var (
	// ErrPublisherActive is returned when a second publisher tries to connect
	ErrPublisherActive = errors.New("another publisher is active")
	// ErrTokenRequired is returned for publishes without a token when tokens are enforced
	ErrTokenRequired = errors.New("ingest token required")
	// ErrUnknownStream is returned for stream keys other than the configured one
	ErrUnknownStream = errors.New("unknown stream key")
)

// publisherGap separates the timestamps of consecutive publishers
const publisherGap = 40 * time.Millisecond

// Decoder turns Annex-B access units into frames
type Decoder interface {
	Write(annexB []byte, pts time.Duration) error
	ReadFrame() (*models.Frame, error)
	Close() error
}

// Config holds RTMP ingest settings
type Config struct {
	Addr         string
	FFmpegPath   string
	Width        int
	Height       int
	StreamKey    string // empty accepts any key
	RequireToken bool
}

// Server is an RTMP ingest endpoint that implements capture.Source
type Server struct {
	cfg     Config
	auth    *auth.Manager
	metrics *metrics.Metrics
	server  *rtmp.Server

	newDecoder func(ctx context.Context, width, height int) (Decoder, error)

	mu          sync.Mutex
	ctx         context.Context
	sink        capture.Submitter
	publisher   *ConnHandler
	orientation models.Orientation
	lastTS      time.Duration
	emitted     bool
	seq         uint64
}

// New creates a new RTMP ingest server
func New(cfg Config, authManager *auth.Manager, m *metrics.Metrics) *Server {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 720
	}
	s := &Server{
		cfg:         cfg,
		auth:        authManager,
		metrics:     m,
		orientation: models.OrientationLandscape,
	}
	s.newDecoder = func(ctx context.Context, width, height int) (Decoder, error) {
		return capture.StartH264Decoder(ctx, cfg.FFmpegPath, width, height)
	}
	return s
}

func (s *Server) Name() string { return "rtmp" }

// Device returns the stream key of the active publisher
func (s *Server) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisher != nil {
		return s.publisher.streamKey
	}
	return s.cfg.StreamKey
}

func (s *Server) SwitchDevice() (string, error) {
	return "", fmt.Errorf("%w: the publisher chooses the camera", capture.ErrUnsupported)
}

func (s *Server) SetOrientation(o models.Orientation) error {
	if !o.Valid() {
		return fmt.Errorf("invalid orientation %q", o)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orientation = o
	return nil
}

func (s *Server) Orientation() models.Orientation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orientation
}

// Run listens on the configured address and serves publishers until ctx is cancelled
func (s *Server) Run(ctx context.Context, sink capture.Submitter) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, listener, sink)
}

// Serve accepts publishers on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener, sink capture.Submitter) error {
	s.mu.Lock()
	if s.sink != nil {
		s.mu.Unlock()
		listener.Close()
		return errors.New("rtmp server already running")
	}
	s.ctx = ctx
	s.sink = sink
	s.server = rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: s.onConnect,
	})
	srv := s.server
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"component": "rtmp", "addr": listener.Addr().String()}).Info("RTMP ingest listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		srv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("rtmp server: %w", err)
	}
}

// onConnect handles new RTMP connections
func (s *Server) onConnect(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
	logrus.WithFields(logrus.Fields{"component": "rtmp", "remote": conn.RemoteAddr().String()}).Info("New RTMP connection")
	s.metrics.RecordRTMPConnection()

	handler := s.newHandler(conn.RemoteAddr().String())

	return conn, &rtmp.ConnConfig{
		Handler: handler,

		ControlState: rtmp.StreamControlStateConfig{
			DefaultBandwidthWindowSize: 6 * 1024 * 1024, // 6MB
		},
	}
}

func (s *Server) newHandler(remote string) *ConnHandler {
	return &ConnHandler{
		server: s,
		remote: remote,
		log:    logrus.WithFields(logrus.Fields{"component": "rtmp", "remote": remote}),
	}
}

// admit authorizes a publish and claims the single publisher slot
func (s *Server) admit(h *ConnHandler, streamKey, token string) error {
	if s.cfg.StreamKey != "" && streamKey != s.cfg.StreamKey {
		return fmt.Errorf("%w: %s", ErrUnknownStream, streamKey)
	}
	if token == "" && s.cfg.RequireToken {
		return ErrTokenRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisher != nil {
		return ErrPublisherActive
	}
	if token != "" {
		if err := s.auth.Consume(token, streamKey); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}
	s.publisher = h
	return nil
}

func (s *Server) release(h *ConnHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisher == h {
		s.publisher = nil
	}
}

// timeBase returns the source-clock offset for a new publisher so timestamps
// keep increasing across reconnects.
func (s *Server) timeBase() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.emitted {
		return 0
	}
	return s.lastTS + publisherGap
}

// emit orients a decoded frame and hands it to the sink
func (s *Server) emit(f *models.Frame) error {
	s.mu.Lock()
	ctx, sink, o := s.ctx, s.sink, s.orientation
	if s.emitted && f.Timestamp <= s.lastTS {
		f.Timestamp = s.lastTS + time.Millisecond
	}
	s.lastTS = f.Timestamp
	s.emitted = true
	f.Seq = s.seq
	s.seq++
	s.mu.Unlock()

	if sink == nil {
		return nil
	}
	return sink.Submit(ctx, capture.OrientFrame(f, o))
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// Close shuts down the RTMP server
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Close()
	}
	return nil
}

// ConnHandler handles RTMP connection events
type ConnHandler struct {
	rtmp.DefaultHandler

	server *Server
	remote string
	log    *logrus.Entry

	mu         sync.Mutex
	publishing bool
	streamKey  string
	avc        *muxer.AVCConfig
	decoder    Decoder
	readerDone chan struct{}
	base       time.Duration
	warnedAAC  bool
}

// OnServe is called when the connection starts serving
func (h *ConnHandler) OnServe(conn *rtmp.Conn) {
	h.log.Debug("Connection started serving")
}

// OnConnect is called when RTMP connect command is received
func (h *ConnHandler) OnConnect(timestamp uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	h.log.WithFields(logrus.Fields{"app": cmd.Command.App, "tc_url": cmd.Command.TCURL}).Debug("RTMP connect")
	return nil
}

// OnCreateStream is called when createStream command is received
func (h *ConnHandler) OnCreateStream(timestamp uint32, cmd *rtmpmsg.NetConnectionCreateStream) error {
	return nil
}

// OnPublish is called when a client wants to publish a stream
func (h *ConnHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *rtmpmsg.NetStreamPublish) error {
	// Format: "streamkey?token=xxx" or just "streamkey"
	streamKey, token := parseStreamKeyAndToken(cmd.PublishingName)

	if err := h.server.admit(h, streamKey, token); err != nil {
		h.log.WithField("stream_key", streamKey).WithError(err).Warn("Publish rejected")
		h.server.metrics.RecordRTMPError()
		return err
	}

	h.mu.Lock()
	h.publishing = true
	h.streamKey = streamKey
	h.base = h.server.timeBase()
	h.mu.Unlock()

	h.log.WithField("stream_key", streamKey).Info("Publisher connected")
	return nil
}

// OnSetDataFrame is called when metadata is received
func (h *ConnHandler) OnSetDataFrame(timestamp uint32, data *rtmpmsg.NetStreamSetDataFrame) error {
	h.log.Debug("Received stream metadata")
	return nil
}

// OnAudio counts audio bytes. AAC is not decoded, so RTMP ingest is video only.
func (h *ConnHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	n, err := io.Copy(io.Discard, payload)
	if err != nil {
		return err
	}
	h.server.metrics.RecordRTMPBytes(int(n))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.publishing && !h.warnedAAC {
		h.warnedAAC = true
		h.log.Info("Ignoring RTMP audio, ingest is video only")
	}
	return nil
}

// OnVideo is called when video data is received
func (h *ConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	h.server.metrics.RecordRTMPBytes(len(data))

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.publishing {
		return nil // Ignore video before publish
	}

	tag, err := muxer.ParseFLVVideo(data)
	if err != nil {
		h.log.WithError(err).Debug("Skipping video tag")
		h.server.metrics.RecordRTMPError()
		return nil
	}

	if tag.SequenceHeader {
		cfg, err := muxer.ParseAVCConfig(tag.Data)
		if err != nil {
			h.log.WithError(err).Warn("Failed to parse AVC sequence header")
			h.server.metrics.RecordRTMPError()
			return nil
		}
		h.avc = cfg
		h.log.WithFields(logrus.Fields{
			"profile": cfg.Profile,
			"level":   cfg.Level,
			"sps":     len(cfg.SPS),
			"pps":     len(cfg.PPS),
		}).Info("Received AVC sequence header")
		return h.startDecoderLocked()
	}

	if h.avc == nil || h.decoder == nil || len(tag.Data) == 0 {
		return nil // waiting for a sequence header
	}

	annexB, err := muxer.AnnexBFrame(h.avc, tag.Data, tag.KeyFrame)
	if err != nil {
		h.log.WithError(err).Debug("Skipping malformed access unit")
		h.server.metrics.RecordRTMPError()
		return nil
	}

	pts := recorder.FromMillis(timestamp) + time.Duration(tag.CompositionTime)*time.Millisecond
	if err := h.decoder.Write(annexB, pts); err != nil {
		h.log.WithError(err).Warn("Decoder rejected access unit")
		h.server.metrics.RecordRTMPError()
		h.stopDecoderLocked()
	}
	return nil
}

func (h *ConnHandler) startDecoderLocked() error {
	if h.decoder != nil {
		return nil
	}
	dec, err := h.server.newDecoder(h.server.context(), h.server.cfg.Width, h.server.cfg.Height)
	if err != nil {
		h.server.metrics.RecordRTMPError()
		return fmt.Errorf("start decoder: %w", err)
	}
	h.decoder = dec
	h.readerDone = make(chan struct{})
	go h.readFrames(dec, h.base, h.readerDone)
	return nil
}

// readFrames forwards decoded pictures until the decoder ends. Timestamps are
// shifted so the first picture of this publisher lands on base.
func (h *ConnHandler) readFrames(dec Decoder, base time.Duration, done chan struct{}) {
	defer close(done)

	var origin time.Duration
	first := true
	for {
		f, err := dec.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.log.WithError(err).Warn("Decoder stopped")
			}
			return
		}
		if first {
			origin = f.Timestamp
			first = false
		}
		f.Timestamp = base + f.Timestamp - origin

		if err := h.server.emit(f); err != nil {
			h.log.WithError(err).Warn("Frame submission failed")
			return
		}
	}
}

func (h *ConnHandler) stopDecoderLocked() {
	if h.decoder == nil {
		return
	}
	if err := h.decoder.Close(); err != nil {
		h.log.WithError(err).Debug("Decoder closed with error")
	}
	<-h.readerDone
	h.decoder = nil
}

// OnClose is called when the connection is closed
func (h *ConnHandler) OnClose() {
	h.log.Info("Connection closed")

	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopDecoderLocked()
	if h.publishing {
		h.publishing = false
		h.server.release(h)
		h.log.WithField("stream_key", h.streamKey).Info("Publisher disconnected")
	}
}

func parseStreamKeyAndToken(publishingName string) (streamKey, token string) {
	streamKey, query, found := strings.Cut(publishingName, "?")
	if !found {
		return streamKey, ""
	}
	for _, kv := range strings.Split(query, "&") {
		if v, ok := strings.CutPrefix(kv, "token="); ok {
			token = v
		}
	}
	return streamKey, token
}
