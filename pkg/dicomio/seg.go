package dicomio

import (
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"ctradiomics/internal/models"
	"ctradiomics/pkg/volume"
)

type segment struct {
	number int
	name   string
}

type segFrame struct {
	segment  int
	position [3]float64
	pixels   []int
}

// decodeSEG reads a DICOM Segmentation object. Each segment becomes one ROI
// whose mask covers the CT slices the segment's frames reference.
func decodeSEG(elements []*dicom.Element, ct *models.Volume) ([]ROI, error) {
	rows, err := intTag(elements, tag.Rows)
	if err != nil {
		return nil, err
	}
	cols, err := intTag(elements, tag.Columns)
	if err != nil {
		return nil, err
	}
	if rows != ct.Height() || cols != ct.Width() {
		return nil, fmt.Errorf("segmentation frames are %dx%d, CT slices are %dx%d", cols, rows, ct.Width(), ct.Height())
	}

	pixels, err := nativeFrames(elements, rows, cols)
	if err != nil {
		return nil, err
	}

	perFrame := sequenceItems(elements, tag.PerFrameFunctionalGroupsSequence)
	if len(perFrame) != len(pixels) {
		return nil, fmt.Errorf("segmentation has %d frames but %d per-frame functional groups", len(pixels), len(perFrame))
	}

	frames := make([]segFrame, len(perFrame))
	for i, item := range perFrame {
		number, err := intTag(nestedElements(item, tag.SegmentIdentificationSequence), tag.ReferencedSegmentNumber)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i+1, err)
		}
		pos, err := floatTag(nestedElements(item, tag.PlanePositionSequence), tag.ImagePositionPatient, 3)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i+1, err)
		}
		frames[i] = segFrame{segment: number, position: vec3(pos), pixels: pixels[i]}
	}

	var segments []segment
	for _, item := range sequenceItems(elements, tag.SegmentSequence) {
		number, err := intTag(item, tag.SegmentNumber)
		if err != nil {
			return nil, err
		}
		name := firstString(item, tag.SegmentLabel)
		if name == "" {
			name = fmt.Sprintf("Segment_%d", number)
		}
		segments = append(segments, segment{number: number, name: name})
	}

	return assembleSEG(ct, segments, frames)
}

// assembleSEG builds one mask per segment. The mask spans the CT slices
// between the first and last referenced frame and is placed at the first
// of them, so it may be shallower than the CT. A segment with a frame
// outside the CT is returned with Err set.
func assembleSEG(ct *models.Volume, segments []segment, frames []segFrame) ([]ROI, error) {
	var rois []ROI
segments:
	for _, seg := range segments {
		var mine []segFrame
		var slices []int
		for _, f := range frames {
			if f.segment != seg.number {
				continue
			}
			k := volume.SliceOffset(ct, f.position)
			if k < 0 || k >= ct.Depth() {
				rois = append(rois, ROI{Name: seg.name, Err: fmt.Errorf("frame at %v lies outside the CT", f.position)})
				continue segments
			}
			mine = append(mine, f)
			slices = append(slices, k)
		}
		if len(mine) == 0 {
			continue
		}

		first, last := slices[0], slices[0]
		for _, k := range slices {
			first = min(first, k)
			last = max(last, k)
		}

		mask := models.NewVolume(ct.Width(), ct.Height(), last-first+1)
		mask.Spacing = ct.Spacing
		mask.Direction = ct.Direction
		mask.Origin = volume.IndexToPhysical(ct, 0, 0, float64(first))

		plane := ct.Width() * ct.Height()
		for i, f := range mine {
			offset := (slices[i] - first) * plane
			for p, v := range f.pixels {
				if v != 0 {
					mask.Data[offset+p] = SegLabel
				}
			}
		}
		rois = append(rois, ROI{Name: seg.name, Mask: mask})
	}
	return rois, nil
}
