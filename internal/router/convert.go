package router

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"fullscreencam/pkg/models"
)

// ErrConversion is returned when a raw frame cannot be turned into an image
var ErrConversion = errors.New("frame conversion failed")

// ToImage converts a raw frame into a freshly allocated NRGBA image.
// The result never aliases f.Data, so the source may reuse its buffer afterwards.
func ToImage(f *models.Frame) (*image.NRGBA, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid size %s", ErrConversion, f.Resolution())
	}

	need := f.Format.BytesPerFrame(f.Width, f.Height)
	if need == 0 {
		return nil, fmt.Errorf("%w: unsupported pixel format %q", ErrConversion, f.Format)
	}

	switch f.Format {
	case models.PixelFormatRGBA, models.PixelFormatBGRA, models.PixelFormatRGB24:
		return packedToImage(f)
	case models.PixelFormatGray:
		if len(f.Data) < need {
			return nil, shortBuffer(f, need)
		}
		src := &image.Gray{Pix: f.Data, Stride: f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
		return imaging.Clone(src), nil
	case models.PixelFormatYUV420P:
		if len(f.Data) < need {
			return nil, shortBuffer(f, need)
		}
		ySize := f.Width * f.Height
		cw, ch := (f.Width+1)/2, (f.Height+1)/2
		src := &image.YCbCr{
			Y:              f.Data[:ySize],
			Cb:             f.Data[ySize : ySize+cw*ch],
			Cr:             f.Data[ySize+cw*ch : ySize+2*cw*ch],
			YStride:        f.Width,
			CStride:        cw,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           image.Rect(0, 0, f.Width, f.Height),
		}
		return imaging.Clone(src), nil
	}

	return nil, fmt.Errorf("%w: unsupported pixel format %q", ErrConversion, f.Format)
}

func packedToImage(f *models.Frame) (*image.NRGBA, error) {
	bpp := 4
	if f.Format == models.PixelFormatRGB24 {
		bpp = 3
	}

	stride := f.Stride
	if stride == 0 {
		stride = f.Width * bpp
	}
	if stride < f.Width*bpp {
		return nil, fmt.Errorf("%w: stride %d too small for width %d", ErrConversion, stride, f.Width)
	}
	need := stride*(f.Height-1) + f.Width*bpp
	if len(f.Data) < need {
		return nil, shortBuffer(f, need)
	}

	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		src := f.Data[y*stride : y*stride+f.Width*bpp]
		dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*4]

		switch f.Format {
		case models.PixelFormatRGBA:
			copy(dst, src)
		case models.PixelFormatBGRA:
			for x := 0; x < f.Width; x++ {
				dst[x*4+0] = src[x*4+2]
				dst[x*4+1] = src[x*4+1]
				dst[x*4+2] = src[x*4+0]
				dst[x*4+3] = src[x*4+3]
			}
		case models.PixelFormatRGB24:
			for x := 0; x < f.Width; x++ {
				dst[x*4+0] = src[x*3+0]
				dst[x*4+1] = src[x*3+1]
				dst[x*4+2] = src[x*3+2]
				dst[x*4+3] = 0xff
			}
		}
	}
	return img, nil
}

// FromImage wraps img as an RGBA frame carrying src's identity and timing
func FromImage(img *image.NRGBA, src *models.Frame) *models.Frame {
	b := img.Bounds()
	return &models.Frame{
		Seq:       src.Seq,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Format:    models.PixelFormatRGBA,
		Stride:    img.Stride,
		Timestamp: src.Timestamp,
		Data:      img.Pix,
	}
}

func shortBuffer(f *models.Frame, need int) error {
	return fmt.Errorf("%w: %s %s needs %d bytes, got %d", ErrConversion, f.Format, f.Resolution(), need, len(f.Data))
}
