package dicomio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/volume"
)

// ErrNoSeries is returned when a directory holds no image of the requested
// series.
var ErrNoSeries = errors.New("no DICOM images found for series")

// sliceGeometry is the per-image geometry every slice of a series must share.
type sliceGeometry struct {
	rows, cols int
	// spacing between columns (x) then rows (y)
	spacing [2]float64
	row     [3]float64
	col     [3]float64
}

func (g sliceGeometry) matches(o sliceGeometry, tol float64) bool {
	if g.rows != o.rows || g.cols != o.cols {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(g.row[i]-o.row[i]) > tol || math.Abs(g.col[i]-o.col[i]) > tol {
			return false
		}
	}
	return math.Abs(g.spacing[0]-o.spacing[0]) <= tol && math.Abs(g.spacing[1]-o.spacing[1]) <= tol
}

type ctSlice struct {
	position [3]float64
	pixels   []float64
}

// LoadSeries reads every image of seriesUID in dir and stacks them along
// the slice normal. An empty seriesUID accepts every image in dir. Pixel
// values are converted to modality units with RescaleSlope/Intercept.
func LoadSeries(ctx context.Context, dir, seriesUID string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read series directory: %w", err)
	}

	var (
		slices []ctSlice
		geom   *sliceGeometry
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		ds, err := dicom.ParseFile(path, nil)
		if err != nil {
			// Not a DICOM file
			continue
		}
		if seriesUID != "" && firstString(ds.Elements, tag.SeriesInstanceUID) != seriesUID {
			continue
		}
		if findElement(ds.Elements, tag.PixelData) == nil {
			continue
		}

		s, g, err := readSlice(ds.Elements)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if geom == nil {
			geom = &g
		} else if !geom.matches(g, 1e-4) {
			return nil, fmt.Errorf("%s: image geometry differs from the rest of the series", path)
		}
		slices = append(slices, s)
	}

	if len(slices) == 0 {
		return nil, fmt.Errorf("%w: %q in %s", ErrNoSeries, seriesUID, dir)
	}
	return assembleSeries(slices, *geom)
}

func readSlice(elements []*dicom.Element) (ctSlice, sliceGeometry, error) {
	var g sliceGeometry
	var err error

	if g.rows, err = intTag(elements, tag.Rows); err != nil {
		return ctSlice{}, g, err
	}
	if g.cols, err = intTag(elements, tag.Columns); err != nil {
		return ctSlice{}, g, err
	}

	ps, err := floatTag(elements, tag.PixelSpacing, 2)
	if err != nil {
		return ctSlice{}, g, err
	}
	g.spacing = [2]float64{ps[1], ps[0]}

	iop, err := floatTag(elements, tag.ImageOrientationPatient, 6)
	if err != nil {
		return ctSlice{}, g, err
	}
	g.row = vec3(iop[0:3])
	g.col = vec3(iop[3:6])

	ipp, err := floatTag(elements, tag.ImagePositionPatient, 3)
	if err != nil {
		return ctSlice{}, g, err
	}

	slope, intercept := 1.0, 0.0
	if v, err := floatTag(elements, tag.RescaleSlope, 1); err == nil {
		slope = v[0]
	}
	if v, err := floatTag(elements, tag.RescaleIntercept, 1); err == nil {
		intercept = v[0]
	}

	raw, err := firstFrame(elements, g.rows, g.cols)
	if err != nil {
		return ctSlice{}, g, err
	}

	signed := false
	if v, err := intTag(elements, tag.PixelRepresentation); err == nil {
		signed = v == 1
	}
	bits := 16
	if v, err := intTag(elements, tag.BitsAllocated); err == nil && v > 0 {
		bits = v
	}

	pixels := make([]float64, len(raw))
	for i, v := range raw {
		if signed && bits < 63 && v >= 1<<(bits-1) {
			v -= 1 << bits
		}
		pixels[i] = float64(v)*slope + intercept
	}

	return ctSlice{position: vec3(ipp), pixels: pixels}, g, nil
}

// firstFrame decodes the first native frame of the image's pixel data.
func firstFrame(elements []*dicom.Element, rows, cols int) ([]int, error) {
	frames, err := nativeFrames(elements, rows, cols)
	if err != nil {
		return nil, err
	}
	return frames[0], nil
}

// nativeFrames decodes every frame of the pixel data as single-sample
// rows*cols rasters.
func nativeFrames(elements []*dicom.Element, rows, cols int) ([][]int, error) {
	el := findElement(elements, tag.PixelData)
	if el == nil || el.Value == nil || el.Value.ValueType() != dicom.PixelData {
		return nil, errors.New("missing pixel data")
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if info.IsEncapsulated {
		return nil, errors.New("encapsulated (compressed) pixel data is not supported")
	}

	var out [][]int
	for _, fr := range info.Frames {
		native, err := fr.GetNativeFrame()
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		if native.Rows != rows || native.Cols != cols {
			return nil, fmt.Errorf("frame is %dx%d, expected %dx%d", native.Cols, native.Rows, cols, rows)
		}
		values := make([]int, rows*cols)
		for i := range values {
			values[i] = native.Data[i][0]
		}
		out = append(out, values)
	}
	if len(out) == 0 {
		return nil, errors.New("pixel data has no frames")
	}
	return out, nil
}

// assembleSeries sorts slices along the slice normal and stacks them into
// a volume. The slice spacing is the mean distance between neighbours.
func assembleSeries(slices []ctSlice, g sliceGeometry) (*models.Volume, error) {
	direction := volume.DirectionFromOrientation(g.row, g.col)
	if err := volume.CheckDirection(direction, 1e-3); err != nil {
		return nil, fmt.Errorf("image orientation: %w", err)
	}
	normal := [3]float64{direction[2], direction[5], direction[8]}

	along := func(p [3]float64) float64 {
		return p[0]*normal[0] + p[1]*normal[1] + p[2]*normal[2]
	}
	sort.SliceStable(slices, func(i, j int) bool {
		return along(slices[i].position) < along(slices[j].position)
	})

	spacingZ := 1.0
	if n := len(slices); n > 1 {
		for i := 1; i < n; i++ {
			if along(slices[i].position)-along(slices[i-1].position) < 1e-6 {
				return nil, fmt.Errorf("duplicate slice position %v", slices[i].position)
			}
		}
		spacingZ = (along(slices[n-1].position) - along(slices[0].position)) / float64(n-1)
	}

	v := models.NewVolume(g.cols, g.rows, len(slices))
	v.Spacing = [3]float64{g.spacing[0], g.spacing[1], spacingZ}
	v.Origin = slices[0].position
	v.Direction = direction

	plane := g.cols * g.rows
	for z, s := range slices {
		if len(s.pixels) != plane {
			return nil, fmt.Errorf("slice %d has %d pixels, expected %d", z, len(s.pixels), plane)
		}
		copy(v.Data[z*plane:(z+1)*plane], s.pixels)
	}
	return v, nil
}
