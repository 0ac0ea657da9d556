package extraction

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctradiomics/internal/models"
	"ctradiomics/internal/testsupport"
	"ctradiomics/pkg/config"
	"ctradiomics/pkg/negativecontrol"
	"ctradiomics/pkg/radiomics"
	"ctradiomics/pkg/volume"
)

func newExtractor(t *testing.T, logger *slog.Logger) *Extractor {
	t.Helper()
	cfg := config.DefaultConfig()
	engine, err := radiomics.NewExtractor(cfg)
	require.NoError(t, err)
	return New(engine, cfg.Setting.RandomSeed, logger)
}

func requireStage(t *testing.T, err error, stage Stage) {
	t.Helper()
	var pe *PairError
	require.True(t, errors.As(err, &pe), "expected *PairError, got %v", err)
	assert.Equal(t, stage, pe.Stage)
	assert.Equal(t, SeverityPair, SeverityOf(err))
}

func TestExtractSegLabelSphere(t *testing.T) {
	ct := testsupport.CT(48, 40, 24)
	roi := testsupport.Sphere(ct, [3]float64{24, 20, 12}, [3]float64{8, 5, 4}, 255)

	res, err := newExtractor(t, nil).Extract(ct, roi, negativecontrol.None)
	require.NoError(t, err)

	assert.Equal(t, 255, res.Label)
	assert.Zero(t, res.PaddedSlices)

	// Sphere spans 17x11x9 voxels, grown by five on each side
	assert.Equal(t, []int{27, 21, 19}, res.Image.Size)
	assert.Equal(t, res.Image.Size, res.Mask.Size)
	assert.Equal(t, testsupport.Count(roi, 255), testsupport.Count(res.Mask, 255))

	assert.Equal(t, radiomics.DiagnosticCount+11+18, res.Features.Len())
	settings, ok := res.Features.Get(radiomics.KeySettings)
	require.True(t, ok)
	assert.Equal(t, 255, settings.(config.Setting).Label)
}

func TestExtractPadsSubStackMask(t *testing.T) {
	ct := testsupport.CT(20, 20, 12)

	// Four-slice mask authored on CT slices 5..8
	roi := models.NewVolume(20, 20, 4)
	roi.Spacing = ct.Spacing
	roi.Origin = ct.Origin
	roi.Origin[2] += 5 * ct.Spacing[2]
	for z := 1; z <= 2; z++ {
		for y := 4; y <= 8; y++ {
			for x := 4; x <= 8; x++ {
				roi.Set(x, y, z, 1)
			}
		}
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	res, err := newExtractor(t, logger).Extract(ct, roi, negativecontrol.None)
	require.NoError(t, err)

	assert.Equal(t, 8, res.PaddedSlices)
	assert.Contains(t, logs.String(), "padding segmentation")

	// ROI lands on CT slices 6..7, padded box starts at slice 1
	assert.Equal(t, []int{14, 14, 11}, res.Image.Size)
	assert.InDelta(t, ct.Origin[2]+1*ct.Spacing[2], res.Image.Origin[2], 1e-9)
	assert.Equal(t, 50, testsupport.Count(res.Mask, 1))
	assert.Equal(t, 1.0, res.Mask.At(4, 4, 5))
	assert.Equal(t, 0.0, res.Mask.At(4, 4, 4))
}

func TestExtractAmbiguousROI(t *testing.T) {
	ct := testsupport.CT(16, 16, 8)
	roi := testsupport.Block(ct, [3]int{2, 2, 2}, [3]int{5, 5, 4}, 1)
	roi.Set(10, 10, 5, 2)

	_, err := newExtractor(t, nil).Extract(ct, roi, negativecontrol.None)
	assert.ErrorIs(t, err, ErrAmbiguousROI)
	requireStage(t, err, StageLabel)
}

func TestExtractNonIntegerLabel(t *testing.T) {
	ct := testsupport.CT(16, 16, 8)
	roi := testsupport.Block(ct, [3]int{2, 2, 2}, [3]int{5, 5, 4}, 255)
	roi.Set(3, 3, 3, 254.6)

	_, err := newExtractor(t, nil).Extract(ct, roi, negativecontrol.None)
	assert.ErrorIs(t, err, ErrMaskValidation)
	assert.ErrorIs(t, err, volume.ErrNonIntegerLabel)
	requireStage(t, err, StageLabel)
}

func TestExtractEmptyMask(t *testing.T) {
	ct := testsupport.CT(16, 16, 8)
	roi := models.NewVolume(16, 16, 8)

	_, err := newExtractor(t, nil).Extract(ct, roi, negativecontrol.None)
	assert.ErrorIs(t, err, ErrMaskValidation)
	requireStage(t, err, StageLabel)
}

func TestExtractDimensionMismatch(t *testing.T) {
	ct := testsupport.CT(16, 16, 8)
	x := newExtractor(t, nil)

	t.Run("deeper mask", func(t *testing.T) {
		roi := testsupport.Block(testsupport.CT(16, 16, 10), [3]int{2, 2, 2}, [3]int{5, 5, 4}, 1)
		_, err := x.Extract(ct, roi, negativecontrol.None)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
		requireStage(t, err, StageReconcile)
	})

	t.Run("different in-plane grid", func(t *testing.T) {
		roi := testsupport.Block(testsupport.CT(12, 16, 4), [3]int{2, 2, 1}, [3]int{5, 5, 2}, 1)
		_, err := x.Extract(ct, roi, negativecontrol.None)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestExtractFlattensExtraAxes(t *testing.T) {
	ct := testsupport.CT(16, 16, 8)
	block := testsupport.Block(ct, [3]int{3, 3, 2}, [3]int{8, 7, 5}, 1)
	x := newExtractor(t, nil)

	roi := block.Clone()
	roi.Size = []int{16, 16, 8, 1}
	res, err := x.Extract(ct, roi, negativecontrol.None)
	require.NoError(t, err)
	assert.Len(t, res.Mask.Size, 3)

	multi := &models.Volume{
		Data:      append(append([]float64(nil), block.Data...), block.Data...),
		Size:      []int{16, 16, 8, 2},
		Spacing:   ct.Spacing,
		Origin:    ct.Origin,
		Direction: ct.Direction,
	}
	_, err = x.Extract(ct, multi, negativecontrol.None)
	assert.ErrorIs(t, err, ErrFlatten)
	requireStage(t, err, StageFlatten)
}

func TestExtractMaskValidation(t *testing.T) {
	ct := testsupport.CT(16, 16, 8)
	// Single voxel thick in two axes
	roi := testsupport.Block(ct, [3]int{4, 4, 2}, [3]int{4, 4, 6}, 1)

	_, err := newExtractor(t, nil).Extract(ct, roi, negativecontrol.None)
	assert.ErrorIs(t, err, ErrMaskValidation)
	requireStage(t, err, StageCheckMask)
}

func TestExtractNegativeControl(t *testing.T) {
	ct := testsupport.CT(30, 30, 12)
	roi := testsupport.Sphere(ct, [3]float64{15, 15, 6}, [3]float64{6, 6, 3}, 1)
	x := newExtractor(t, nil)

	plain, err := x.Extract(ct, roi, negativecontrol.None)
	require.NoError(t, err)

	shuffled, err := x.Extract(ct, roi, negativecontrol.ShuffledROI)
	require.NoError(t, err)
	for _, key := range []string{"original_firstorder_Mean", "original_firstorder_Median", "original_firstorder_Entropy"} {
		a, _ := plain.Features.Float(key)
		b, _ := shuffled.Features.Float(key)
		assert.InDelta(t, a, b, 1e-9, key)
	}

	randomized, err := x.Extract(ct, roi, negativecontrol.RandomizedROI)
	require.NoError(t, err)
	a, _ := plain.Features.Float("original_firstorder_Mean")
	b, _ := randomized.Features.Float("original_firstorder_Mean")
	assert.NotEqual(t, a, b)

	again, err := x.Extract(ct, roi, negativecontrol.RandomizedROI)
	require.NoError(t, err)
	c, _ := again.Features.Float("original_firstorder_Mean")
	assert.Equal(t, b, c)

	_, err = x.Extract(ct, roi, negativecontrol.Kind("bogus"))
	assert.ErrorIs(t, err, ErrNegativeControl)
	requireStage(t, err, StageNegativeControl)
}

func TestExtractDoesNotModifyInputs(t *testing.T) {
	ct := testsupport.CT(20, 20, 8)
	roi := testsupport.Block(ct, [3]int{5, 5, 2}, [3]int{10, 9, 5}, 1)
	roi.Origin[0] += 3
	ctBefore := ct.Clone()
	roiBefore := roi.Clone()

	_, err := newExtractor(t, nil).Extract(ct, roi, negativecontrol.ShuffledFull)
	require.NoError(t, err)
	assert.Equal(t, ctBefore, ct)
	assert.Equal(t, roiBefore, roi)
}

func TestExtractFeaturesDefaults(t *testing.T) {
	ct := testsupport.CT(20, 20, 8)
	roi := testsupport.Block(ct, [3]int{5, 5, 2}, [3]int{10, 9, 5}, 1)

	fv, err := ExtractFeatures(ct, roi, "", negativecontrol.None)
	require.NoError(t, err)
	vol, ok := fv.Float("original_shape_VoxelVolume")
	require.True(t, ok)
	assert.InDelta(t, 6*5*4*0.8*0.8*2.5, vol, 1e-9)

	_, err = ExtractFeatures(ct, roi, "does-not-exist.yaml", negativecontrol.None)
	assert.Error(t, err)
}

func TestSeverityOf(t *testing.T) {
	assert.Equal(t, SeveritySeries, SeverityOf(errors.New("disk on fire")))
	assert.Equal(t, SeverityPair, SeverityOf(&PairError{Stage: StageExecute, Err: ErrEngine}))
	assert.Equal(t, "series", SeveritySeries.String())
}
