package engine

import (
	"fmt"
	"sort"
	"strings"
)

const meterWindow = 20

// SmoothedValue tracks a series over a sliding window, reporting the
// window median alongside the global average. Progress lines show both so
// spikes and drift are visible at once.
type SmoothedValue struct {
	window []float64
	total  float64
	count  int
}

// Update appends a sample.
func (s *SmoothedValue) Update(v float64) {
	s.window = append(s.window, v)
	if len(s.window) > meterWindow {
		s.window = s.window[1:]
	}
	s.total += v
	s.count++
}

// Median returns the sliding-window median.
func (s *SmoothedValue) Median() float64 {
	if len(s.window) == 0 {
		return 0
	}
	sorted := append([]float64(nil), s.window...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// GlobalAvg returns the average over every sample seen.
func (s *SmoothedValue) GlobalAvg() float64 {
	if s.count == 0 {
		return 0
	}
	return s.total / float64(s.count)
}

// Meters is a named collection of smoothed values with stable formatting.
type Meters struct {
	delimiter string
	values    map[string]*SmoothedValue
	order     []string
}

// NewMeters creates an empty meter set joined by delimiter.
func NewMeters(delimiter string) *Meters {
	return &Meters{
		delimiter: delimiter,
		values:    make(map[string]*SmoothedValue),
	}
}

// Update folds a map of samples into the meters.
func (m *Meters) Update(samples map[string]float64) {
	keys := make([]string, 0, len(samples))
	for k := range samples {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sv, ok := m.values[k]
		if !ok {
			sv = &SmoothedValue{}
			m.values[k] = sv
			m.order = append(m.order, k)
		}
		sv.Update(samples[k])
	}
}

// Get returns the meter for a name, creating it if needed.
func (m *Meters) Get(name string) *SmoothedValue {
	sv, ok := m.values[name]
	if !ok {
		sv = &SmoothedValue{}
		m.values[name] = sv
		m.order = append(m.order, name)
	}
	return sv
}

// String renders every meter as "name: median (global average)" in first-seen
// order.
func (m *Meters) String() string {
	parts := make([]string, 0, len(m.order))
	for _, name := range m.order {
		sv := m.values[name]
		parts = append(parts, fmt.Sprintf("%s: %.4f (%.4f)", name, sv.Median(), sv.GlobalAvg()))
	}
	return strings.Join(parts, m.delimiter)
}
