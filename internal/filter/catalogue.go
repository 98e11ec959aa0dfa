package filter

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"fullscreencam/pkg/models"
)

// Filter names
const (
	NameOriginal = "original"
	NameBright   = "bright"
	NameRGB      = "rgb"
	NameHue      = "hue"
	NameSepia    = "sepia"
	NameChrome   = "chrome"
	NameFade     = "fade"
	NameInstant  = "instant"
	NameTonal    = "tonal"
	NameTransfer = "transfer"
	NameMono     = "mono"
)

func builtin() []Filter {
	return []Filter{
		Func{
			Meta: info(NameBright, "Brightness adjustment", 0.5, -1, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				return imaging.AdjustBrightness(img, v*100), nil
			},
		},
		Func{
			Meta: info(NameRGB, "Warm/cool balance: positive boosts red, negative boosts blue", -0.3, -1, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
					c.R = clamp8(float64(c.R) * (1 + v))
					c.B = clamp8(float64(c.B) * (1 - v))
					return c
				}), nil
			},
		},
		Func{
			Meta: info(NameHue, "Hue rotation as a fraction of a full turn", 0.3, -1, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				m := hueMatrix(v * 2 * math.Pi)
				return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
					return m.apply(c)
				}), nil
			},
		},
		Func{
			Meta: info(NameSepia, "Sepia tone blended by intensity", 0.3, 0, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
					return mix(c, sepia(c), v)
				}), nil
			},
		},
		Func{
			Meta: info(NameChrome, "Vivid colour with exaggerated contrast", 1, 0, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				out := imaging.AdjustContrast(img, 20*v)
				return imaging.AdjustSaturation(out, 30*v), nil
			},
		},
		Func{
			Meta: info(NameFade, "Washed-out colour with lifted blacks", 1, 0, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				out := imaging.AdjustContrast(img, -30*v)
				out = imaging.AdjustSaturation(out, -25*v)
				return imaging.AdjustBrightness(out, 8*v), nil
			},
		},
		Func{
			Meta: info(NameInstant, "Warm instant-film look", 1, 0, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				out := imaging.AdjustSaturation(img, -15*v)
				return imaging.AdjustFunc(out, func(c color.NRGBA) color.NRGBA {
					c.R = clamp8(float64(c.R) + 18*v)
					c.G = clamp8(float64(c.G) + 8*v)
					c.B = clamp8(float64(c.B) - 10*v)
					return c
				}), nil
			},
		},
		Func{
			Meta: info(NameTonal, "Black and white with boosted contrast", 1, 0, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				return imaging.AdjustContrast(imaging.Grayscale(img), 25*v), nil
			},
		},
		Func{
			Meta: info(NameTransfer, "Vintage look with warm highlights", 1, 0, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				out := imaging.AdjustGamma(img, 1+0.25*v)
				return imaging.AdjustFunc(out, func(c color.NRGBA) color.NRGBA {
					c.R = clamp8(float64(c.R) + 12*v)
					c.B = clamp8(float64(c.B) - 6*v)
					return c
				}), nil
			},
		},
		Func{
			Meta: info(NameMono, "Plain greyscale", 1, 0, 1),
			Fn: func(img *image.NRGBA, v float64) (*image.NRGBA, error) {
				gray := imaging.Grayscale(img)
				if v >= 1 {
					return gray, nil
				}
				return imaging.Overlay(img, gray, image.Pt(0, 0), v), nil
			},
		},
	}
}

func info(name, description string, def, lo, hi float64) models.FilterInfo {
	return models.FilterInfo{
		Name:             name,
		Description:      description,
		DefaultIntensity: def,
		MinIntensity:     lo,
		MaxIntensity:     hi,
	}
}

func clamp8(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}

func sepia(c color.NRGBA) color.NRGBA {
	r, g, b := float64(c.R), float64(c.G), float64(c.B)
	return color.NRGBA{
		R: clamp8(0.393*r + 0.769*g + 0.189*b),
		G: clamp8(0.349*r + 0.686*g + 0.168*b),
		B: clamp8(0.272*r + 0.534*g + 0.131*b),
		A: c.A,
	}
}

func mix(a, b color.NRGBA, t float64) color.NRGBA {
	return color.NRGBA{
		R: clamp8(float64(a.R) + (float64(b.R)-float64(a.R))*t),
		G: clamp8(float64(a.G) + (float64(b.G)-float64(a.G))*t),
		B: clamp8(float64(a.B) + (float64(b.B)-float64(a.B))*t),
		A: a.A,
	}
}

// colorMatrix is a 3x3 linear transform in RGB space
type colorMatrix [9]float64

// hueMatrix rotates hue by angle radians, keeping luminance.
func hueMatrix(angle float64) colorMatrix {
	c, s := math.Cos(angle), math.Sin(angle)
	return colorMatrix{
		0.213 + 0.787*c - 0.213*s, 0.715 - 0.715*c - 0.715*s, 0.072 - 0.072*c + 0.928*s,
		0.213 - 0.213*c + 0.143*s, 0.715 + 0.285*c + 0.140*s, 0.072 - 0.072*c - 0.283*s,
		0.213 - 0.213*c - 0.787*s, 0.715 - 0.715*c + 0.715*s, 0.072 + 0.928*c + 0.072*s,
	}
}

func (m colorMatrix) apply(c color.NRGBA) color.NRGBA {
	r, g, b := float64(c.R), float64(c.G), float64(c.B)
	return color.NRGBA{
		R: clamp8(m[0]*r + m[1]*g + m[2]*b),
		G: clamp8(m[3]*r + m[4]*g + m[5]*b),
		B: clamp8(m[6]*r + m[7]*g + m[8]*b),
		A: c.A,
	}
}
