package muxer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Eyevinn/mp4ff/mp4"

	"fullscreencam/internal/recorder"
)

// ErrNoVideo is returned when a finished recording holds no playable video
var ErrNoVideo = errors.New("mp4 has no video samples")

// TrackInfo summarises one track of an MP4 file
type TrackInfo struct {
	Handler   string // "vide" or "soun"
	Timescale uint32
	Duration  time.Duration
	Samples   uint32
}

// MP4Info describes a finished MP4 file
type MP4Info struct {
	Size   int64
	Tracks []TrackInfo
}

// Video returns the first video track
func (p MP4Info) Video() (TrackInfo, bool) {
	for _, t := range p.Tracks {
		if t.Handler == "vide" {
			return t, true
		}
	}
	return TrackInfo{}, false
}

// InspectMP4 parses the file's moov box and checks that it holds at least one
// video sample.
func InspectMP4(path string) (MP4Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return MP4Info{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return MP4Info{}, err
	}

	parsed, err := mp4.DecodeFile(f)
	if err != nil {
		return MP4Info{}, fmt.Errorf("decode mp4: %w", err)
	}
	if parsed.Moov == nil {
		return MP4Info{}, fmt.Errorf("%w: missing moov box", ErrNoVideo)
	}

	result := MP4Info{Size: st.Size()}
	for _, trak := range parsed.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Mdhd == nil {
			continue
		}
		info := TrackInfo{
			Handler:   trak.Mdia.Hdlr.HandlerType,
			Timescale: trak.Mdia.Mdhd.Timescale,
		}
		info.Duration = recorder.FromTimescale(trak.Mdia.Mdhd.Duration, info.Timescale)
		if minf := trak.Mdia.Minf; minf != nil && minf.Stbl != nil && minf.Stbl.Stsz != nil {
			info.Samples = minf.Stbl.Stsz.SampleNumber
		}
		result.Tracks = append(result.Tracks, info)
	}

	video, ok := result.Video()
	if !ok || video.Samples == 0 {
		return result, ErrNoVideo
	}
	return result, nil
}
