package dicomio

import (
	"fmt"
	"image"
	"math"
	"regexp"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"golang.org/x/image/vector"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/volume"
)

// contour is a closed planar polygon in patient coordinates (mm).
type contour [][3]float64

// decodeRTStruct reads an RT Structure Set. Every structure whose name
// matches pattern and which carries contour data becomes one ROI. A
// structure that cannot be rasterised onto the CT is returned with Err set.
func decodeRTStruct(elements []*dicom.Element, ct *models.Volume, pattern *regexp.Regexp) ([]ROI, error) {
	type structure struct {
		number int
		name   string
	}
	var structures []structure
	for _, item := range sequenceItems(elements, tag.StructureSetROISequence) {
		number, err := intTag(item, tag.ROINumber)
		if err != nil {
			return nil, err
		}
		structures = append(structures, structure{number: number, name: firstString(item, tag.ROIName)})
	}

	contours := make(map[int][]contour)
	for _, item := range sequenceItems(elements, tag.ROIContourSequence) {
		ref, err := intTag(item, tag.ReferencedROINumber)
		if err != nil {
			return nil, err
		}
		for _, c := range sequenceItems(item, tag.ContourSequence) {
			if kind := firstString(c, tag.ContourGeometricType); kind != "" && kind != "CLOSED_PLANAR" {
				continue
			}
			data, err := floatTag(c, tag.ContourData, 3)
			if err != nil {
				return nil, fmt.Errorf("ROI %d: %w", ref, err)
			}
			poly := make(contour, 0, len(data)/3)
			for i := 0; i+2 < len(data); i += 3 {
				poly = append(poly, [3]float64{data[i], data[i+1], data[i+2]})
			}
			contours[ref] = append(contours[ref], poly)
		}
	}

	var rois []ROI
	for _, s := range structures {
		if !keepROI(pattern, s.name) || len(contours[s.number]) == 0 {
			continue
		}
		mask, err := rasterizeContours(ct, contours[s.number])
		if err != nil {
			rois = append(rois, ROI{Name: s.name, Err: err})
			continue
		}
		rois = append(rois, ROI{Name: s.name, Mask: mask})
	}
	return rois, nil
}

// rasterizeContours fills each contour on its CT slice. Overlapping
// contours on one slice are combined with exclusive-or so inner contours
// cut holes.
func rasterizeContours(ct *models.Volume, contours []contour) (*models.Volume, error) {
	width, height, depth := ct.Width(), ct.Height(), ct.Depth()
	mask := models.NewVolume(width, height, depth)
	mask.CopyGeometry(ct)

	bounds := image.Rect(0, 0, width, height)
	plane := width * height
	for _, c := range contours {
		if len(c) < 3 {
			continue
		}

		var zSum float64
		r := vector.NewRasterizer(width, height)
		for i, p := range c {
			idx := volume.PhysicalToIndex(ct, p)
			zSum += idx[2]
			// Voxel centres sit in the middle of raster pixels
			x, y := float32(idx[0]+0.5), float32(idx[1]+0.5)
			if i == 0 {
				r.MoveTo(x, y)
			} else {
				r.LineTo(x, y)
			}
		}
		r.ClosePath()

		z := int(math.Round(zSum / float64(len(c))))
		if z < 0 || z >= depth {
			return nil, fmt.Errorf("contour at %v lies outside the CT", c[0])
		}

		coverage := image.NewAlpha(bounds)
		r.Draw(coverage, bounds, image.Opaque, image.Point{})

		offset := z * plane
		for i, a := range coverage.Pix {
			if a < 128 {
				continue
			}
			if mask.Data[offset+i] == RTStructLabel {
				mask.Data[offset+i] = 0
			} else {
				mask.Data[offset+i] = RTStructLabel
			}
		}
	}
	return mask, nil
}
