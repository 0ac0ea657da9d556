package models

// FeatureVector is an insertion-ordered mapping from feature name to value.
// Values are float64, int, []int, []float64, string or an engine-specific
// diagnostic snapshot.
type FeatureVector struct {
	keys   []string
	values map[string]any
}

// NewFeatureVector returns an empty vector.
func NewFeatureVector() *FeatureVector {
	return &FeatureVector{values: make(map[string]any)}
}

// Set stores a value. New names are appended; existing names keep their
// position.
func (f *FeatureVector) Set(name string, value any) {
	if _, ok := f.values[name]; !ok {
		f.keys = append(f.keys, name)
	}
	f.values[name] = value
}

// Get looks up a value by name.
func (f *FeatureVector) Get(name string) (any, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Float returns a numeric value as float64.
func (f *FeatureVector) Float(name string) (float64, bool) {
	switch v := f.values[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Keys returns the names in insertion order.
func (f *FeatureVector) Keys() []string {
	return append([]string(nil), f.keys...)
}

// Len is the number of entries.
func (f *FeatureVector) Len() int { return len(f.keys) }
