package muxer

import (
	"time"

	"fullscreencam/internal/recorder"
)

// videoTimeline maps frame media times onto constant-frame-rate slots
type videoTimeline struct {
	fps  float64
	next int64 // first slot not yet written
}

// place returns how many times the previous frame must be repeated to reach
// the frame's slot. ok is false when the slot has already been written.
func (t *videoTimeline) place(media time.Duration) (repeat int64, ok bool) {
	slot := recorder.FrameSlot(media, t.fps)
	if slot < t.next {
		return 0, false
	}
	repeat = slot - t.next
	t.next = slot + 1
	return repeat, true
}

// duration is the media time covered by the written slots
func (t *videoTimeline) duration() time.Duration {
	if t.fps <= 0 {
		return 0
	}
	return time.Duration(float64(t.next) / t.fps * float64(time.Second))
}

// audioTimeline places interleaved PCM buffers on a sample-accurate timeline.
// Gaps are filled with silence and overlaps are trimmed; offsets within
// tolerance are treated as contiguous to absorb timestamp jitter.
type audioTimeline struct {
	sampleRate int
	frameSize  int // bytes per sample frame
	tolerance  int64
	pos        int64 // sample frames written
}

func newAudioTimeline(sampleRate, channels int) *audioTimeline {
	return &audioTimeline{
		sampleRate: sampleRate,
		frameSize:  channels * 2,
		tolerance:  int64(sampleRate / 100), // 10ms
	}
}

// place returns the silence (in sample frames) to write before data, and the
// part of data that is still ahead of the timeline.
func (t *audioTimeline) place(media time.Duration, data []byte) (silence int64, out []byte) {
	out = data[:len(data)/t.frameSize*t.frameSize]
	offset := recorder.SampleOffset(media, t.sampleRate)

	switch diff := offset - t.pos; {
	case diff > t.tolerance:
		silence = diff
	case diff < -t.tolerance:
		trim := -diff * int64(t.frameSize)
		if trim >= int64(len(out)) {
			return 0, nil
		}
		out = out[trim:]
	}

	t.pos += silence + int64(len(out)/t.frameSize)
	return silence, out
}

// padTo returns the silence needed to extend the timeline to media
func (t *audioTimeline) padTo(media time.Duration) int64 {
	target := recorder.SampleOffset(media, t.sampleRate)
	if target <= t.pos {
		return 0
	}
	n := target - t.pos
	t.pos = target
	return n
}
