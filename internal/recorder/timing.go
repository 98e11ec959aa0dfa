package recorder

import (
	"math"
	"time"
)

// MediaTime converts a source timestamp into output time relative to the anchor.
// Timestamps before the anchor clamp to zero.
func MediaTime(ts, anchor time.Duration) time.Duration {
	if ts < anchor {
		return 0
	}
	return ts - anchor
}

// ToTimescale converts a duration into ticks of the given timescale (ticks per second)
func ToTimescale(d time.Duration, timescale uint32) uint64 {
	if d <= 0 || timescale == 0 {
		return 0
	}
	sec := uint64(d / time.Second)
	rem := uint64(d % time.Second)
	return sec*uint64(timescale) + rem*uint64(timescale)/uint64(time.Second)
}

// FromTimescale converts ticks of the given timescale into a duration
func FromTimescale(ticks uint64, timescale uint32) time.Duration {
	if timescale == 0 {
		return 0
	}
	sec := ticks / uint64(timescale)
	rem := ticks % uint64(timescale)
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(timescale)
}

// FrameSlot returns the index of the constant-frame-rate slot nearest to the media time
func FrameSlot(media time.Duration, fps float64) int64 {
	if fps <= 0 || media <= 0 {
		return 0
	}
	return int64(math.Round(media.Seconds() * fps))
}

// SampleOffset returns how many audio sample frames fit in the media time at the given rate
func SampleOffset(media time.Duration, sampleRate int) int64 {
	if sampleRate <= 0 {
		return 0
	}
	return int64(ToTimescale(media, uint32(sampleRate)))
}

// FromMillis converts a millisecond clock value (RTMP, FLV) to a duration
func FromMillis(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
