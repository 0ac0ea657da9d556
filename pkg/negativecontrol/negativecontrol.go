// Package negativecontrol synthesises perturbed CT images used as
// methodological controls. Each Kind names a region (the whole image, the
// ROI or everything outside it) and a perturbation (shuffle, uniform
// randomisation or resampling of the region's own values).
package negativecontrol

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"ctradiomics/internal/models"
)

// Kind identifies a negative control. The zero value means none.
type Kind string

const (
	None                    Kind = ""
	ShuffledFull            Kind = "shuffled_full"
	ShuffledROI             Kind = "shuffled_roi"
	ShuffledNonROI          Kind = "shuffled_non_roi"
	RandomizedFull          Kind = "randomized_full"
	RandomizedROI           Kind = "randomized_roi"
	RandomizedNonROI        Kind = "randomized_non_roi"
	RandomizedSampledFull   Kind = "randomized_sampled_full"
	RandomizedSampledROI    Kind = "randomized_sampled_roi"
	RandomizedSampledNonROI Kind = "randomized_sampled_non_roi"
)

// ErrUnknownKind is returned for tokens with no registered synthesis.
var ErrUnknownKind = errors.New("unknown negative control")

// Func produces a replacement image. It must not modify its inputs.
type Func func(image, mask *models.Volume, label int, rng *rand.Rand) *models.Volume

type region int

const (
	regionFull region = iota
	regionROI
	regionNonROI
)

var registry = map[Kind]Func{
	ShuffledFull:            shuffle(regionFull),
	ShuffledROI:             shuffle(regionROI),
	ShuffledNonROI:          shuffle(regionNonROI),
	RandomizedFull:          randomize(regionFull),
	RandomizedROI:           randomize(regionROI),
	RandomizedNonROI:        randomize(regionNonROI),
	RandomizedSampledFull:   sample(regionFull),
	RandomizedSampledROI:    sample(regionROI),
	RandomizedSampledNonROI: sample(regionNonROI),
}

// Kinds lists the registered controls in lexical order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Parse converts a token into a Kind. The empty token is None.
func Parse(token string) (Kind, error) {
	k := Kind(token)
	if k == None {
		return None, nil
	}
	if _, ok := registry[k]; !ok {
		return None, fmt.Errorf("%w: %q", ErrUnknownKind, token)
	}
	return k, nil
}

// Apply synthesises the control image for kind. The same seed always yields
// the same image.
func Apply(kind Kind, image, mask *models.Volume, label int, seed uint64) (*models.Volume, error) {
	fn, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(kind))
	}
	if !image.SameSize(mask) {
		return nil, fmt.Errorf("negative control %s: image size %v does not match mask size %v", kind, image.Size, mask.Size)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return fn(image, mask, label, rng), nil
}

// selectVoxels returns the offsets of the voxels in the region.
func selectVoxels(mask *models.Volume, label int, r region) []int {
	target := float64(label)
	idx := make([]int, 0, len(mask.Data))
	for i, v := range mask.Data {
		inROI := v == target
		switch {
		case r == regionFull,
			r == regionROI && inROI,
			r == regionNonROI && !inROI:
			idx = append(idx, i)
		}
	}
	return idx
}

func shuffle(r region) Func {
	return func(image, mask *models.Volume, label int, rng *rand.Rand) *models.Volume {
		out := image.Clone()
		idx := selectVoxels(mask, label, r)
		values := make([]float64, len(idx))
		for i, j := range idx {
			values[i] = image.Data[j]
		}
		rng.Shuffle(len(values), func(a, b int) { values[a], values[b] = values[b], values[a] })
		for i, j := range idx {
			out.Data[j] = values[i]
		}
		return out
	}
}

func randomize(r region) Func {
	return func(image, mask *models.Volume, label int, rng *rand.Rand) *models.Volume {
		out := image.Clone()
		idx := selectVoxels(mask, label, r)
		if len(idx) == 0 {
			return out
		}
		lo, hi := image.Data[idx[0]], image.Data[idx[0]]
		for _, j := range idx {
			lo = min(lo, image.Data[j])
			hi = max(hi, image.Data[j])
		}
		for _, j := range idx {
			out.Data[j] = lo + rng.Float64()*(hi-lo)
		}
		return out
	}
}

func sample(r region) Func {
	return func(image, mask *models.Volume, label int, rng *rand.Rand) *models.Volume {
		out := image.Clone()
		idx := selectVoxels(mask, label, r)
		if len(idx) == 0 {
			return out
		}
		for _, j := range idx {
			out.Data[j] = image.Data[idx[rng.IntN(len(idx))]]
		}
		return out
	}
}
