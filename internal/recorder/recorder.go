// Package recorder implements the recording lifecycle:
//
//	Idle -> Armed -> Recording -> Finalizing -> Idle
//
// All transitions happen in one place under a single mutex, and every decision
// about whether a sample reaches the encoder is taken under that same mutex, so
// the frame workers never observe a half-transitioned session. Encoder calls
// that touch the filesystem or may call back into the recorder (Open, Finalize,
// Discard) run after the lock is released.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fullscreencam/internal/metrics"
	"fullscreencam/pkg/models"
)

var (
	// ErrBusy is returned by Toggle while a session is finalizing
	ErrBusy = errors.New("recording is finalizing")
	// ErrNotRecording is returned by Stop while idle
	ErrNotRecording = errors.New("not recording")
	// ErrDropped is wrapped by encoders that could not accept a single sample.
	// It is a per-sample condition; any other append error ends the session.
	ErrDropped = errors.New("sample dropped by encoder")
	// ErrFinalizeTimeout is reported when the encoder never completes finalize
	ErrFinalizeTimeout = errors.New("encoder finalize timed out")
)

// Encoder opens one encoder output per recording session
type Encoder interface {
	Open(ctx context.Context, target models.RecordingTarget) (EncoderSession, error)
}

// EncoderSession is an open, append-only encoder output.
// Append calls must not block on I/O.
type EncoderSession interface {
	StartSession(anchor time.Duration) error
	AppendVideo(frame *models.Frame, ts time.Duration) error
	AppendAudio(buf *models.AudioBuffer, ts time.Duration) error
	// Finalize flushes and closes the output and calls onComplete exactly once,
	// usually from another goroutine.
	Finalize(onComplete func(output string, err error))
	// Discard releases resources of a session that never started.
	Discard() error
}

// Config holds recorder settings
type Config struct {
	Dir             string        // Directory for in-progress recordings
	Extension       string        // Output file extension, e.g. ".mp4"
	Audio           bool          // Forward audio to the encoder
	FinalizeTimeout time.Duration // Upper bound on encoder finalize
}

// Recorder is the recording state machine
type Recorder struct {
	cfg        Config
	encoder    Encoder
	metrics    *metrics.Metrics
	onComplete func(models.RecordingResult)
	now        func() time.Time

	mu      sync.Mutex
	session *session // nil while Idle
}

type session struct {
	state   models.RecordingState
	target  models.RecordingTarget
	enc     EncoderSession // nil while the encoder is being opened
	started time.Time

	anchor    time.Duration
	lastVideo time.Duration
	lastAudio time.Duration
	audioSeen bool

	videoFrames  uint64
	audioBuffers uint64
	dropped      uint64

	failure  error
	watchdog *time.Timer
	done     chan struct{}
}

// New creates an idle recorder. onComplete receives exactly one result per
// session; it is never called with the recorder lock held.
func New(cfg Config, encoder Encoder, m *metrics.Metrics, onComplete func(models.RecordingResult)) *Recorder {
	if cfg.Extension == "" {
		cfg.Extension = ".mp4"
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 30 * time.Second
	}
	if onComplete == nil {
		onComplete = func(models.RecordingResult) {}
	}

	return &Recorder{
		cfg:        cfg,
		encoder:    encoder,
		metrics:    m,
		onComplete: onComplete,
		now:        time.Now,
	}
}

// State returns the current lifecycle state
func (r *Recorder) State() models.RecordingState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return models.RecordingStateIdle
	}
	return r.session.state
}

// Status returns a snapshot of the current session
func (r *Recorder) Status() models.RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return models.RecordingStatus{State: models.RecordingStateIdle}
	}
	return r.statusLocked(r.session)
}

func (r *Recorder) statusLocked(s *session) models.RecordingStatus {
	status := models.RecordingStatus{
		State:       s.state,
		SessionID:   s.target.SessionID,
		OutputPath:  s.target.Path,
		VideoFrames: s.videoFrames,
		AudioBufs:   s.audioBuffers,
		Dropped:     s.dropped,
	}
	if s.state == models.RecordingStateRecording || s.state == models.RecordingStateFinalizing {
		status.Duration = MediaTime(s.lastVideo, s.anchor).Seconds()
	}
	return status
}

// Toggle advances the lifecycle in response to the record control:
//
//	Idle       -> Armed      (encoder opened; error leaves the recorder Idle)
//	Armed      -> Idle       (cancelled; the encoder never started)
//	Recording  -> Finalizing (encoder finalize requested)
//	Finalizing -> ErrBusy
func (r *Recorder) Toggle(ctx context.Context) (models.RecordingState, error) {
	status, err := r.ToggleSession(ctx)
	return status.State, err
}

// ToggleSession is Toggle returning a snapshot of the session it acted on,
// taken in the same critical section as the transition.
func (r *Recorder) ToggleSession(ctx context.Context) (models.RecordingStatus, error) {
	r.mu.Lock()

	s := r.session
	if s == nil {
		s = r.reserveLocked()
		r.mu.Unlock()
		return r.open(ctx, s)
	}

	status := r.statusLocked(s)
	after, state, err := r.stopLocked(s)
	status.State = state
	r.mu.Unlock()

	if after != nil {
		after()
	}
	return status, err
}

// Stop ends the active session: an armed session is cancelled and a recording
// session is finalized.
func (r *Recorder) Stop() (models.RecordingState, error) {
	r.mu.Lock()
	s := r.session
	if s == nil {
		r.mu.Unlock()
		return models.RecordingStateIdle, ErrNotRecording
	}
	after, state, err := r.stopLocked(s)
	r.mu.Unlock()

	if after != nil {
		after()
	}
	return state, err
}

func (r *Recorder) stopLocked(s *session) (func(), models.RecordingState, error) {
	switch s.state {
	case models.RecordingStateArmed:
		return r.endUnstartedLocked(s, nil), models.RecordingStateIdle, nil
	case models.RecordingStateRecording:
		return r.finalizeLocked(s, nil), models.RecordingStateFinalizing, nil
	default:
		return nil, s.state, ErrBusy
	}
}

// Start arms a new session if the recorder is idle
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.session != nil {
		state := r.session.state
		r.mu.Unlock()
		return fmt.Errorf("%w: already %s", ErrBusy, state)
	}
	s := r.reserveLocked()
	r.mu.Unlock()

	_, err := r.open(ctx, s)
	return err
}

// reserveLocked claims the session slot as Armed with no encoder yet. Frames
// arriving before the encoder is installed are ignored.
func (r *Recorder) reserveLocked() *session {
	id := uuid.NewString()
	s := &session{
		state: models.RecordingStateArmed,
		target: models.RecordingTarget{
			SessionID: id,
			Path:      filepath.Join(r.cfg.Dir, id+r.cfg.Extension),
		},
		started: r.now(),
		done:    make(chan struct{}),
	}
	r.session = s
	r.metrics.RecordRecordingStart()
	return s
}

// open runs Encoder.Open outside the lock and installs the result. A session
// cancelled while Open ran discards the encoder as soon as it arrives.
func (r *Recorder) open(ctx context.Context, s *session) (models.RecordingStatus, error) {
	log := logrus.WithFields(logrus.Fields{
		"component": "recorder",
		"session":   s.target.SessionID,
	})

	enc, err := r.encoder.Open(ctx, s.target)

	r.mu.Lock()
	if r.session != s {
		r.mu.Unlock()
		if err == nil {
			if derr := enc.Discard(); derr != nil {
				log.WithError(derr).Warn("Failed to discard encoder output")
			}
		}
		log.Info("Recording cancelled while the encoder was opening")
		return models.RecordingStatus{State: models.RecordingStateIdle, SessionID: s.target.SessionID}, nil
	}

	if err != nil {
		r.session = nil
		r.mu.Unlock()
		close(s.done)
		// no result is delivered, so the attempt is only counted
		r.metrics.RecordRecordingDone(string(models.OutcomeFailure), 0)
		log.WithError(err).Error("Failed to open encoder")
		return models.RecordingStatus{State: models.RecordingStateIdle}, fmt.Errorf("open encoder: %w", err)
	}

	s.enc = enc
	status := r.statusLocked(s)
	r.mu.Unlock()

	log.WithField("output", s.target.Path).Info("Recording armed")
	return status, nil
}

// HandleVideo is called by the frame router for every routed frame.
// The first frame after arming becomes the session anchor.
func (r *Recorder) HandleVideo(frame *models.Frame) {
	r.mu.Lock()
	after := r.handleVideoLocked(frame)
	r.mu.Unlock()

	if after != nil {
		after()
	}
}

func (r *Recorder) handleVideoLocked(frame *models.Frame) func() {
	s := r.session
	if s == nil || s.enc == nil {
		return nil
	}

	ts := frame.Timestamp
	switch s.state {
	case models.RecordingStateArmed:
		if err := s.enc.StartSession(ts); err != nil {
			return r.endUnstartedLocked(s, fmt.Errorf("start encoder session: %w", err))
		}
		s.anchor = ts
		s.lastVideo = ts
		s.state = models.RecordingStateRecording

		logrus.WithFields(logrus.Fields{
			"component": "recorder",
			"session":   s.target.SessionID,
			"anchor":    ts,
		}).Info("Recording started")

	case models.RecordingStateRecording:
		if ts < s.anchor || ts < s.lastVideo {
			s.dropped++
			r.metrics.RecordDropped(models.KindVideo.String(), "out_of_order")
			return nil
		}

	default:
		s.dropped++
		r.metrics.RecordDropped(models.KindVideo.String(), "finalizing")
		return nil
	}

	if err := s.enc.AppendVideo(frame, ts); err != nil {
		if errors.Is(err, ErrDropped) {
			s.dropped++
			r.metrics.RecordEncoderDropped(models.KindVideo.String(), "backlog")
			return nil
		}
		return r.finalizeLocked(s, fmt.Errorf("append video: %w", err))
	}
	s.lastVideo = ts
	s.videoFrames++
	r.metrics.RecordEncoderSample(models.KindVideo.String())
	return nil
}

// HandleAudio is called by the frame router for every audio buffer.
// Audio only reaches the encoder after the session has been anchored.
func (r *Recorder) HandleAudio(buf *models.AudioBuffer) {
	r.mu.Lock()
	after := r.handleAudioLocked(buf)
	r.mu.Unlock()

	if after != nil {
		after()
	}
}

func (r *Recorder) handleAudioLocked(buf *models.AudioBuffer) func() {
	s := r.session
	if s == nil || s.enc == nil || !r.cfg.Audio {
		return nil
	}
	if s.state != models.RecordingStateRecording {
		if s.state == models.RecordingStateFinalizing {
			r.metrics.RecordDropped(models.KindAudio.String(), "finalizing")
		}
		return nil
	}

	ts := buf.Timestamp
	if ts < s.anchor || (s.audioSeen && ts < s.lastAudio) {
		r.metrics.RecordDropped(models.KindAudio.String(), "out_of_order")
		return nil
	}

	if err := s.enc.AppendAudio(buf, ts); err != nil {
		if errors.Is(err, ErrDropped) {
			r.metrics.RecordEncoderDropped(models.KindAudio.String(), "backlog")
			return nil
		}
		return r.finalizeLocked(s, fmt.Errorf("append audio: %w", err))
	}
	s.lastAudio = ts
	s.audioSeen = true
	s.audioBuffers++
	r.metrics.RecordEncoderSample(models.KindAudio.String())
	return nil
}

// finalizeLocked moves a recording session to Finalizing. cause, when set,
// marks the session failed whatever the encoder reports. The returned func
// requests the encoder finalize and must run after the lock is released.
func (r *Recorder) finalizeLocked(s *session, cause error) func() {
	s.state = models.RecordingStateFinalizing
	s.failure = cause

	log := logrus.WithFields(logrus.Fields{
		"component": "recorder",
		"session":   s.target.SessionID,
		"frames":    s.videoFrames,
	})
	if cause != nil {
		log.WithError(cause).Error("Encoder failed, finalizing recording")
	} else {
		log.Info("Finalizing recording")
	}

	s.watchdog = time.AfterFunc(r.cfg.FinalizeTimeout, func() {
		r.complete(s, "", ErrFinalizeTimeout)
	})

	enc := s.enc
	return func() {
		enc.Finalize(func(output string, err error) {
			r.complete(s, output, err)
		})
	}
}

// endUnstartedLocked ends a session whose encoder never started: a cancel when
// cause is nil, a failure otherwise. Finalize is never called for it.
func (r *Recorder) endUnstartedLocked(s *session, cause error) func() {
	result := r.resultLocked(s)
	if cause != nil {
		result.Outcome = models.OutcomeFailure
		result.Err = cause
	} else {
		result.Outcome = models.OutcomeCancelled
	}
	r.session = nil

	logrus.WithFields(logrus.Fields{
		"component": "recorder",
		"session":   s.target.SessionID,
		"outcome":   result.Outcome,
	}).Info("Recording ended before the first frame")

	enc := s.enc
	return func() {
		// a nil encoder is discarded by open once it arrives
		if enc != nil {
			if err := enc.Discard(); err != nil {
				logrus.WithField("session", s.target.SessionID).WithError(err).Warn("Failed to discard encoder output")
			}
		}
		r.deliver(result)
		close(s.done)
	}
}

// complete handles the encoder's finalize callback. Only the first call for a
// session has any effect.
func (r *Recorder) complete(s *session, output string, err error) {
	r.mu.Lock()
	if r.session != s {
		r.mu.Unlock()
		return
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
	}

	result := r.resultLocked(s)
	switch {
	case s.failure != nil:
		result.Outcome = models.OutcomeFailure
		result.Err = s.failure
	case err != nil:
		result.Outcome = models.OutcomeFailure
		result.Err = fmt.Errorf("finalize: %w", err)
	default:
		result.Outcome = models.OutcomeSuccess
		result.OutputPath = output
	}
	r.session = nil
	r.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"component": "recorder",
		"session":   result.SessionID,
		"outcome":   result.Outcome,
		"frames":    result.VideoFrames,
		"duration":  result.Duration,
	})
	if result.Err != nil {
		log.WithError(result.Err).Error("Recording failed")
	} else {
		log.Info("Recording completed")
	}

	r.deliver(result)
	close(s.done)
}

func (r *Recorder) resultLocked(s *session) models.RecordingResult {
	result := models.RecordingResult{
		SessionID:     s.target.SessionID,
		Anchor:        s.anchor,
		VideoFrames:   s.videoFrames,
		AudioBuffers:  s.audioBuffers,
		DroppedFrames: s.dropped,
		StartedAt:     s.started,
		FinishedAt:    r.now(),
	}
	if s.videoFrames > 0 {
		result.Duration = MediaTime(s.lastVideo, s.anchor)
	}
	return result
}

func (r *Recorder) deliver(result models.RecordingResult) {
	r.metrics.RecordRecordingDone(string(result.Outcome), result.Duration.Seconds())
	r.onComplete(result)
}

// Shutdown ends any active session and waits until its result has been delivered.
// An armed session is cancelled; a recording session is finalized.
func (r *Recorder) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	s := r.session
	if s == nil {
		r.mu.Unlock()
		return nil
	}

	after, _, _ := r.stopLocked(s) // ErrBusy: already finalizing
	r.mu.Unlock()

	if after != nil {
		after()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
