package radiomics

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/volume"
)

// Diagnostic keys that callers commonly inspect.
const (
	KeySettings  = "diagnostics_Configuration_Settings"
	KeyImageSize = "diagnostics_Image-original_Size"
	KeyMaskSize  = "diagnostics_Mask-original_Size"
	KeyVoxelNum  = "diagnostics_Mask-original_VoxelNum"
)

// DiagnosticCount is the number of diagnostic entries in every vector.
const DiagnosticCount = 18

func (e *Extractor) addDiagnostics(fv *models.FeatureVector, r *region) {
	fv.Set("diagnostics_Versions_Engine", Version)
	fv.Set("diagnostics_Versions_Configuration", e.cfg.Version)
	fv.Set(KeySettings, r.setting)
	fv.Set("diagnostics_Configuration_EnabledImageTypes", append([]string(nil), e.cfg.ImageTypes...))

	image, mask := r.image, r.mask
	fv.Set("diagnostics_Image-original_Hash", hashVolume(image))
	fv.Set("diagnostics_Image-original_Dimensionality", fmt.Sprintf("%dD", image.Dimensionality()))
	fv.Set("diagnostics_Image-original_Spacing", append([]float64(nil), image.Spacing[:]...))
	fv.Set(KeyImageSize, sizeTuple(image))
	fv.Set("diagnostics_Image-original_Mean", stat.Mean(image.Data, nil))
	fv.Set("diagnostics_Image-original_Minimum", floats.Min(image.Data))
	fv.Set("diagnostics_Image-original_Maximum", floats.Max(image.Data))

	fv.Set("diagnostics_Mask-original_Hash", hashVolume(mask))
	fv.Set("diagnostics_Mask-original_Spacing", append([]float64(nil), mask.Spacing[:]...))
	fv.Set(KeyMaskSize, sizeTuple(mask))

	box, _ := volume.BoundingBox(mask, r.label)
	size := box.Size()
	fv.Set("diagnostics_Mask-original_BoundingBox", []int{box.Min[0], box.Min[1], box.Min[2], size[0], size[1], size[2]})
	fv.Set(KeyVoxelNum, len(r.indices))

	var com [3]float64
	n := float64(len(r.indices))
	for _, idx := range r.indices {
		for i := 0; i < 3; i++ {
			com[i] += float64(idx[i]) / n
		}
	}
	fv.Set("diagnostics_Mask-original_CenterOfMassIndex", com[:])
	physical := volume.IndexToPhysical(image, com[0], com[1], com[2])
	fv.Set("diagnostics_Mask-original_CenterOfMass", physical[:])
}

func sizeTuple(v *models.Volume) []int {
	return append([]int(nil), v.Size...)
}

func hashVolume(v *models.Volume) string {
	h := sha1.New()
	buf := make([]byte, 8)
	for _, val := range v.Data {
		binary.LittleEndian.PutUint64(buf, math.Float64bits(val))
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}
