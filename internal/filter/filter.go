// Package filter provides the catalogue of image filters the pipeline can apply.
//
// Filters are pure per-frame transforms: the same input image and intensity always
// produce the same output and no state is carried between frames.
package filter

import (
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"fullscreencam/pkg/models"
)

var (
	// ErrUnknownFilter is returned when a filter name is not in the catalogue
	ErrUnknownFilter = errors.New("unknown filter")
	// ErrBadOutput is returned when a filter produces no image or changes its size
	ErrBadOutput = errors.New("filter produced invalid output")
)

// Filter transforms a frame image
type Filter interface {
	Info() models.FilterInfo
	Apply(img *image.NRGBA, intensity float64) (*image.NRGBA, error)
}

// Func adapts a plain function into a Filter
type Func struct {
	Meta models.FilterInfo
	Fn   func(img *image.NRGBA, intensity float64) (*image.NRGBA, error)
}

func (f Func) Info() models.FilterInfo { return f.Meta }

func (f Func) Apply(img *image.NRGBA, intensity float64) (*image.NRGBA, error) {
	return f.Fn(img, intensity)
}

// Provider resolves filter names to filters
type Provider struct {
	mu      sync.RWMutex
	filters map[string]Filter
}

// NewProvider creates a provider with the built-in catalogue registered
func NewProvider() *Provider {
	p := &Provider{filters: make(map[string]Filter)}
	for _, f := range builtin() {
		p.Register(f)
	}
	return p
}

// Register adds or replaces a filter
func (p *Provider) Register(f Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters[f.Info().Name] = f
}

// Lookup returns the filter registered under name
func (p *Provider) Lookup(name string) (Filter, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	f, ok := p.filters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilter, name)
	}
	return f, nil
}

// List returns the catalogue sorted by name
func (p *Provider) List() []models.FilterInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]models.FilterInfo, 0, len(p.filters))
	for _, f := range p.filters {
		infos = append(infos, f.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Resolve validates a filter request and returns the selection to publish.
// An empty name selects no filter. A nil intensity uses the filter default;
// explicit intensities are clamped to the filter's range.
func (p *Provider) Resolve(name string, intensity *float64) (models.FilterSelection, error) {
	if name == "" || name == NameOriginal {
		return models.FilterSelection{}, nil
	}

	f, err := p.Lookup(name)
	if err != nil {
		return models.FilterSelection{}, err
	}

	info := f.Info()
	value := info.DefaultIntensity
	if intensity != nil {
		value = clamp(*intensity, info.MinIntensity, info.MaxIntensity)
	}

	return models.FilterSelection{Name: name, Intensity: value}, nil
}

// Run applies f to img and guarantees a usable result or an error: panics inside
// the filter are recovered and the output must keep the input dimensions.
func Run(f Filter, img *image.NRGBA, intensity float64) (out *image.NRGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("filter %s panicked: %v", f.Info().Name, r)
		}
	}()

	out, err = f.Apply(img, intensity)
	if err != nil {
		return nil, err
	}
	if out == nil || out.Bounds().Dx() != img.Bounds().Dx() || out.Bounds().Dy() != img.Bounds().Dy() {
		return nil, fmt.Errorf("%w: %s", ErrBadOutput, f.Info().Name)
	}
	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
