// Package capture produces timestamped video frames and audio buffers.
//
// A Source runs until its context is cancelled and hands every sample to a
// Submitter, normally the frame router. Timestamps come from the source's own
// clock and increase monotonically for the lifetime of a Run call, across device
// switches included.
package capture

import (
	"context"
	"errors"
	"image"

	"github.com/disintegration/imaging"

	"fullscreencam/pkg/models"
)

// ErrUnsupported is returned for controls a source does not implement
var ErrUnsupported = errors.New("not supported by this capture source")

// Submitter accepts captured samples
type Submitter interface {
	Submit(ctx context.Context, s models.Sample) error
}

// Source is a camera: a producer of video frames and optionally audio
type Source interface {
	Name() string
	// Run captures until ctx is cancelled or the source fails
	Run(ctx context.Context, sink Submitter) error
	// Device returns the device currently in use
	Device() string
	// SwitchDevice moves to the next device and returns its name
	SwitchDevice() (string, error)
	SetOrientation(o models.Orientation) error
	Orientation() models.Orientation
}

// Orient rotates a landscape sensor image into orientation o
func Orient(img *image.NRGBA, o models.Orientation) *image.NRGBA {
	switch o {
	case models.OrientationPortrait:
		return imaging.Rotate270(img)
	case models.OrientationLandscapeLeft:
		return imaging.Rotate180(img)
	case models.OrientationPortraitUpside:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// frameFromImage wraps an image as a tightly packed RGBA frame
func frameFromImage(img *image.NRGBA) *models.Frame {
	b := img.Bounds()
	return &models.Frame{
		Width:  b.Dx(),
		Height: b.Dy(),
		Format: models.PixelFormatRGBA,
		Stride: img.Stride,
		Data:   img.Pix,
	}
}

// OrientFrame rotates a tightly packed RGBA frame into orientation o, keeping
// its sequence number and timestamp.
func OrientFrame(f *models.Frame, o models.Orientation) *models.Frame {
	if o == models.OrientationLandscape || f.Format != models.PixelFormatRGBA {
		return f
	}
	stride := f.Stride
	if stride == 0 {
		stride = f.Width * 4
	}
	img := &image.NRGBA{Pix: f.Data, Stride: stride, Rect: image.Rect(0, 0, f.Width, f.Height)}
	out := frameFromImage(Orient(img, o))
	out.Seq = f.Seq
	out.Timestamp = f.Timestamp
	return out
}
