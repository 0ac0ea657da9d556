// Package dicomio loads CT series and segmentation objects (DICOM SEG and
// RTSTRUCT) into volumes on the CT grid.
package dicomio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var errMissing = errors.New("missing element")

// findElement returns the first element with tag t, or nil.
func findElement(elements []*dicom.Element, t tag.Tag) *dicom.Element {
	for _, el := range elements {
		if el.Tag == t {
			return el
		}
	}
	return nil
}

func stringValues(el *dicom.Element) []string {
	if el == nil || el.Value == nil {
		return nil
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		return v
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out
	}
	return nil
}

func firstString(elements []*dicom.Element, t tag.Tag) string {
	values := stringValues(findElement(elements, t))
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// floatValues decodes DS/FD/FL/IS/US values into floats.
func floatValues(el *dicom.Element) ([]float64, error) {
	if el == nil || el.Value == nil {
		return nil, errMissing
	}
	switch v := el.Value.GetValue().(type) {
	case []float64:
		return v, nil
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, nil
	case []string:
		return parseDecimals(v)
	}
	return nil, fmt.Errorf("element %s has no numeric value", el.Tag)
}

// parseDecimals parses DICOM decimal strings, tolerating padding and
// backslash-joined multi-values.
func parseDecimals(values []string) ([]float64, error) {
	var out []float64
	for _, raw := range values {
		for _, part := range strings.Split(raw, `\`) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q: %w", part, err)
			}
			out = append(out, f)
		}
	}
	return out, nil
}

func floatTag(elements []*dicom.Element, t tag.Tag, want int) ([]float64, error) {
	values, err := floatValues(findElement(elements, t))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t, err)
	}
	if len(values) < want {
		return nil, fmt.Errorf("%s: expected %d values, got %d", t, want, len(values))
	}
	return values, nil
}

func intTag(elements []*dicom.Element, t tag.Tag) (int, error) {
	values, err := floatValues(findElement(elements, t))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", t, err)
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("%s: empty", t)
	}
	return int(values[0]), nil
}

// sequenceItems returns the element lists of every item in sequence t.
func sequenceItems(elements []*dicom.Element, t tag.Tag) [][]*dicom.Element {
	el := findElement(elements, t)
	if el == nil || el.Value == nil || el.Value.ValueType() != dicom.Sequences {
		return nil
	}
	items, ok := el.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return nil
	}
	out := make([][]*dicom.Element, 0, len(items))
	for _, item := range items {
		if elems, ok := item.GetValue().([]*dicom.Element); ok {
			out = append(out, elems)
		}
	}
	return out
}

// nestedElements descends through the first item of each sequence in path.
func nestedElements(elements []*dicom.Element, path ...tag.Tag) []*dicom.Element {
	for _, t := range path {
		items := sequenceItems(elements, t)
		if len(items) == 0 {
			return nil
		}
		elements = items[0]
	}
	return elements
}

func vec3(values []float64) [3]float64 {
	return [3]float64{values[0], values[1], values[2]}
}
