package radiomics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// firstOrderFeatures are computed from the ROI intensities alone.
var firstOrderFeatures = []namedFeature{
	{"10Percentile", func(r *region) float64 { return r.quantile(0.1) }},
	{"90Percentile", func(r *region) float64 { return r.quantile(0.9) }},
	{"Energy", energy},
	{"Entropy", entropy},
	{"InterquartileRange", func(r *region) float64 { return r.quantile(0.75) - r.quantile(0.25) }},
	{"Kurtosis", kurtosis},
	{"Maximum", func(r *region) float64 { return floats.Max(r.sorted) }},
	{"MeanAbsoluteDeviation", func(r *region) float64 { return meanAbsoluteDeviation(r.intensities) }},
	{"Mean", func(r *region) float64 { return stat.Mean(r.intensities, nil) }},
	{"Median", func(r *region) float64 { return r.quantile(0.5) }},
	{"Minimum", func(r *region) float64 { return floats.Min(r.sorted) }},
	{"Range", func(r *region) float64 { return floats.Max(r.sorted) - floats.Min(r.sorted) }},
	{"RobustMeanAbsoluteDeviation", robustMeanAbsoluteDeviation},
	{"RootMeanSquared", func(r *region) float64 { return math.Sqrt(energy(r) / float64(len(r.intensities))) }},
	{"Skewness", skewness},
	{"TotalEnergy", func(r *region) float64 { return r.voxelVolume() * energy(r) }},
	{"Uniformity", uniformity},
	{"Variance", func(r *region) float64 { return stat.Moment(2, r.intensities, nil) }},
}

func energy(r *region) float64 {
	var e float64
	for _, v := range r.intensities {
		shifted := v + r.setting.VoxelArrayShift
		e += shifted * shifted
	}
	return e
}

func meanAbsoluteDeviation(x []float64) float64 {
	mean := stat.Mean(x, nil)
	var sum float64
	for _, v := range x {
		sum += math.Abs(v - mean)
	}
	return sum / float64(len(x))
}

func robustMeanAbsoluteDeviation(r *region) float64 {
	lo, hi := r.quantile(0.1), r.quantile(0.9)
	subset := make([]float64, 0, len(r.intensities))
	for _, v := range r.intensities {
		if v >= lo && v <= hi {
			subset = append(subset, v)
		}
	}
	if len(subset) == 0 {
		return 0
	}
	return meanAbsoluteDeviation(subset)
}

func skewness(r *region) float64 {
	m2 := stat.Moment(2, r.intensities, nil)
	if m2 == 0 {
		return 0
	}
	return stat.Moment(3, r.intensities, nil) / math.Pow(m2, 1.5)
}

func kurtosis(r *region) float64 {
	m2 := stat.Moment(2, r.intensities, nil)
	if m2 == 0 {
		return 0
	}
	return stat.Moment(4, r.intensities, nil) / (m2 * m2)
}

func entropy(r *region) float64 {
	return stat.Entropy(r.histogram()) / math.Ln2
}

func uniformity(r *region) float64 {
	var u float64
	for _, p := range r.histogram() {
		u += p * p
	}
	return u
}
