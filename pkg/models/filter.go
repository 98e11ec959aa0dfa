package models

// FilterSelection is the filter currently applied to the live pipeline.
// Values are immutable once published; change the selection by swapping in a new value.
type FilterSelection struct {
	Name      string  `json:"name"`      // Empty means no filter
	Intensity float64 `json:"intensity"` // Filter-specific strength
}

// IsNone reports whether the selection disables filtering
func (s *FilterSelection) IsNone() bool {
	return s == nil || s.Name == ""
}

// FilterInfo describes a filter offered by the catalogue
type FilterInfo struct {
	Name             string  `json:"name"`
	Description      string  `json:"description"`
	DefaultIntensity float64 `json:"defaultIntensity"`
	MinIntensity     float64 `json:"minIntensity"`
	MaxIntensity     float64 `json:"maxIntensity"`
}

// FilterRequest selects a filter through the API
type FilterRequest struct {
	Name      string   `json:"name"`
	Intensity *float64 `json:"intensity"` // nil uses the filter's default
}
