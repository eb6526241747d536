// Package dicomx implements the dataset provider for DICOM files on
// top of suyashkumar/dicom. It is deliberately forgiving: the archive
// engine treats every error here as a signal to degrade, never to
// abort a batch.
package dicomx

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/medvault/csar/internal/dispatch"
	"github.com/medvault/csar/internal/format"
)

// Synthesized identifiers for reconstruction without a stored header.
// Secondary Capture keeps viewers happy with planes that lost their
// original SOP class.
const (
	secondaryCaptureSOPClass = "1.2.840.10008.5.1.4.1.1.7"
	synthesizedSOPInstance   = "1.2.840.113619.77.1.1"
	explicitVRLittleEndian   = "1.2.840.10008.1.2.1"
)

// ErrNoPixelData is returned when a dataset has no native pixel plane.
var ErrNoPixelData = errors.New("dicomx: dataset has no native pixel data")

// Provider implements dispatch.DatasetProvider for DICOM files.
type Provider struct{}

var _ dispatch.DatasetProvider = Provider{}

// Parse builds a Dataset from raw DICOM file bytes.
func (Provider) Parse(data []byte) (dispatch.Dataset, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("dicomx: parse: %w", err)
	}
	return &dataset{ds: ds}, nil
}

type dataset struct {
	ds dicom.Dataset
}

// PixelPlane extracts the single native frame as a uint16 plane.
// Multi-frame and non-16-bit datasets are rejected here so the caller
// degrades to verbatim storage instead of archiving a lossy plane.
func (d *dataset) PixelPlane() ([]uint16, int, int, error) {
	el, err := d.ds.FindElementByTag(tag.PixelData)
	if err != nil || el == nil {
		return nil, 0, 0, ErrNoPixelData
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok || info.IsEncapsulated || len(info.Frames) == 0 {
		return nil, 0, 0, ErrNoPixelData
	}
	if len(info.Frames) != 1 {
		return nil, 0, 0, fmt.Errorf("dicomx: %d frames, only single-frame datasets are handled", len(info.Frames))
	}

	native := info.Frames[0].NativeData
	if native.BitsPerSample != 16 {
		return nil, 0, 0, fmt.Errorf("dicomx: %d bits per sample, want 16", native.BitsPerSample)
	}
	rows, cols := native.Rows, native.Cols
	if rows < 0 || cols < 0 || len(native.Data) != rows*cols {
		return nil, 0, 0, fmt.Errorf("dicomx: pixel data is %d samples for %dx%d", len(native.Data), rows, cols)
	}

	plane := make([]uint16, rows*cols)
	for i, px := range native.Data {
		if len(px) == 0 {
			return nil, 0, 0, fmt.Errorf("dicomx: empty sample at pixel %d", i)
		}
		plane[i] = uint16(px[0])
	}
	return plane, rows, cols, nil
}

// SerializeHeader writes the dataset with pixel data stripped.
func (d *dataset) SerializeHeader() ([]byte, error) {
	elements := make([]*dicom.Element, 0, len(d.ds.Elements))
	for _, el := range d.ds.Elements {
		if el.Tag == tag.PixelData {
			continue
		}
		elements = append(elements, el)
	}

	var buf bytes.Buffer
	header := dicom.Dataset{Elements: elements}
	if err := dicom.Write(&buf, header, dicom.SkipVRVerification()); err != nil {
		return nil, fmt.Errorf("dicomx: serialize header: %w", err)
	}
	return buf.Bytes(), nil
}

// DisplayScalars returns window and rescale attributes when present.
func (d *dataset) DisplayScalars() format.SideMeta {
	return format.SideMeta{
		WindowCenter:     d.scalar(tag.WindowCenter),
		WindowWidth:      d.scalar(tag.WindowWidth),
		RescaleSlope:     d.scalar(tag.RescaleSlope),
		RescaleIntercept: d.scalar(tag.RescaleIntercept),
	}
}

// scalar reads a numeric attribute, accepting the DS string, float and
// integer value forms.
func (d *dataset) scalar(t tag.Tag) *float64 {
	el, err := d.ds.FindElementByTag(t)
	if err != nil || el == nil {
		return nil
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		if len(v) == 0 {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v[0]), 64)
		if err != nil {
			return nil
		}
		return &f
	case []float64:
		if len(v) == 0 {
			return nil
		}
		return &v[0]
	case []int:
		if len(v) == 0 {
			return nil
		}
		f := float64(v[0])
		return &f
	default:
		return nil
	}
}

// Reconstruct serializes a complete DICOM file from a pixel plane.
//
// When header is non-nil it is replayed and the plane plus shape and
// display scalars are spliced in; otherwise a minimal dataset with
// synthesized identifiers is built around the plane.
func (Provider) Reconstruct(plane []uint16, rows, cols int, header []byte, side *format.SideMeta) ([]byte, error) {
	if rows < 0 || cols < 0 || len(plane) != rows*cols {
		return nil, fmt.Errorf("dicomx: %d samples for %dx%d plane", len(plane), rows, cols)
	}

	var elements []*dicom.Element
	if header != nil {
		parsed, err := dicom.Parse(bytes.NewReader(header), int64(len(header)), nil)
		if err != nil {
			return nil, fmt.Errorf("dicomx: replay header: %w", err)
		}
		elements = dropTags(parsed.Elements,
			tag.PixelData, tag.Rows, tag.Columns,
			tag.WindowCenter, tag.WindowWidth, tag.RescaleSlope, tag.RescaleIntercept)
	} else {
		var err error
		elements, err = minimalElements()
		if err != nil {
			return nil, err
		}
	}

	extra, err := buildElements(
		elem{tag.Rows, []int{rows}},
		elem{tag.Columns, []int{cols}},
	)
	if err != nil {
		return nil, err
	}
	elements = append(elements, extra...)

	if side != nil {
		scalars, err := scalarElements(side)
		if err != nil {
			return nil, err
		}
		elements = append(elements, scalars...)
	}

	pixel, err := pixelElement(plane, rows, cols)
	if err != nil {
		return nil, err
	}
	elements = append(elements, pixel)

	var buf bytes.Buffer
	out := dicom.Dataset{Elements: elements}
	if err := dicom.Write(&buf, out, dicom.SkipVRVerification()); err != nil {
		return nil, fmt.Errorf("dicomx: write dataset: %w", err)
	}
	return buf.Bytes(), nil
}

// elem pairs a tag with its value for buildElements.
type elem struct {
	tag tag.Tag
	val any
}

func buildElements(specs ...elem) ([]*dicom.Element, error) {
	out := make([]*dicom.Element, 0, len(specs))
	for _, s := range specs {
		el, err := dicom.NewElement(s.tag, s.val)
		if err != nil {
			return nil, fmt.Errorf("dicomx: build element %v: %w", s.tag, err)
		}
		out = append(out, el)
	}
	return out, nil
}

// minimalElements synthesizes the identifiers a standalone file needs.
func minimalElements() ([]*dicom.Element, error) {
	return buildElements(
		elem{tag.MediaStorageSOPClassUID, []string{secondaryCaptureSOPClass}},
		elem{tag.MediaStorageSOPInstanceUID, []string{synthesizedSOPInstance}},
		elem{tag.TransferSyntaxUID, []string{explicitVRLittleEndian}},
		elem{tag.SOPClassUID, []string{secondaryCaptureSOPClass}},
		elem{tag.SOPInstanceUID, []string{synthesizedSOPInstance}},
		elem{tag.SamplesPerPixel, []int{1}},
		elem{tag.PhotometricInterpretation, []string{"MONOCHROME2"}},
		elem{tag.BitsAllocated, []int{16}},
		elem{tag.BitsStored, []int{16}},
		elem{tag.HighBit, []int{15}},
		elem{tag.PixelRepresentation, []int{0}},
	)
}

// scalarElements renders the display scalars as decimal strings.
func scalarElements(side *format.SideMeta) ([]*dicom.Element, error) {
	specs := make([]elem, 0, 4)
	for _, p := range []struct {
		t   tag.Tag
		val *float64
	}{
		{tag.WindowCenter, side.WindowCenter},
		{tag.WindowWidth, side.WindowWidth},
		{tag.RescaleSlope, side.RescaleSlope},
		{tag.RescaleIntercept, side.RescaleIntercept},
	} {
		if p.val == nil {
			continue
		}
		specs = append(specs, elem{p.t, []string{strconv.FormatFloat(*p.val, 'g', -1, 64)}})
	}
	return buildElements(specs...)
}

// pixelElement wraps the plane in a single native frame.
func pixelElement(plane []uint16, rows, cols int) (*dicom.Element, error) {
	data := make([][]int, len(plane))
	for i, v := range plane {
		data[i] = []int{int(v)}
	}
	info := dicom.PixelDataInfo{
		IsEncapsulated: false,
		Frames: []frame.Frame{{
			Encapsulated: false,
			NativeData: frame.NativeFrame{
				BitsPerSample: 16,
				Rows:          rows,
				Cols:          cols,
				Data:          data,
			},
		}},
	}
	el, err := dicom.NewElement(tag.PixelData, info)
	if err != nil {
		return nil, fmt.Errorf("dicomx: build pixel data: %w", err)
	}
	return el, nil
}

// dropTags filters elements whose tag matches any of drop.
func dropTags(elements []*dicom.Element, drop ...tag.Tag) []*dicom.Element {
	out := make([]*dicom.Element, 0, len(elements))
	for _, el := range elements {
		skip := false
		for _, t := range drop {
			if el.Tag == t {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, el)
		}
	}
	return out
}
