package dicomx

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/medvault/csar/internal/format"
)

func f64(v float64) *float64 { return &v }

func TestReconstructParseRoundTrip(t *testing.T) {
	t.Parallel()

	rows, cols := 16, 12
	plane := make([]uint16, rows*cols)
	for r := range rows {
		for c := range cols {
			plane[r*cols+c] = uint16(1024 + 13*r + 5*c)
		}
	}
	side := &format.SideMeta{
		WindowCenter:     f64(40),
		WindowWidth:      f64(400),
		RescaleIntercept: f64(-1024),
	}

	p := Provider{}
	raw, err := p.Reconstruct(plane, rows, cols, nil, side)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	ds, err := p.Parse(raw)
	require.NoError(t, err)

	gotPlane, gotRows, gotCols, err := ds.PixelPlane()
	require.NoError(t, err)
	assert.Equal(t, rows, gotRows)
	assert.Equal(t, cols, gotCols)
	assert.Equal(t, plane, gotPlane)

	scalars := ds.DisplayScalars()
	require.NotNil(t, scalars.WindowCenter)
	assert.Equal(t, 40.0, *scalars.WindowCenter)
	require.NotNil(t, scalars.WindowWidth)
	assert.Equal(t, 400.0, *scalars.WindowWidth)
	require.NotNil(t, scalars.RescaleIntercept)
	assert.Equal(t, -1024.0, *scalars.RescaleIntercept)
	assert.Nil(t, scalars.RescaleSlope)
}

func TestReconstructWithStoredHeader(t *testing.T) {
	t.Parallel()

	rows, cols := 8, 8
	plane := make([]uint16, rows*cols)
	for i := range plane {
		plane[i] = uint16(i)
	}

	p := Provider{}
	first, err := p.Reconstruct(plane, rows, cols, nil, nil)
	require.NoError(t, err)

	ds, err := p.Parse(first)
	require.NoError(t, err)
	header, err := ds.SerializeHeader()
	require.NoError(t, err)

	// Replaying the stripped header around a new plane must yield a
	// parseable file with the same pixels.
	second, err := p.Reconstruct(plane, rows, cols, header, nil)
	require.NoError(t, err)

	ds2, err := p.Parse(second)
	require.NoError(t, err)
	gotPlane, gotRows, gotCols, err := ds2.PixelPlane()
	require.NoError(t, err)
	assert.Equal(t, rows, gotRows)
	assert.Equal(t, cols, gotCols)
	assert.Equal(t, plane, gotPlane)
}

// writeDataset serializes elements plus a pixel element into a file blob.
func writeDataset(t *testing.T, elements []*dicom.Element, frames []frame.Frame) []byte {
	t.Helper()

	pixel, err := dicom.NewElement(tag.PixelData, dicom.PixelDataInfo{
		IsEncapsulated: false,
		Frames:         frames,
	})
	require.NoError(t, err)
	elements = append(elements, pixel)

	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, dicom.Dataset{Elements: elements}, dicom.SkipVRVerification()))
	return buf.Bytes()
}

func nativeFrame(bits, rows, cols, base int) frame.Frame {
	data := make([][]int, rows*cols)
	for i := range data {
		data[i] = []int{base + i}
	}
	return frame.Frame{
		Encapsulated: false,
		NativeData: frame.NativeFrame{
			BitsPerSample: bits,
			Rows:          rows,
			Cols:          cols,
			Data:          data,
		},
	}
}

func TestPixelPlaneRejectsMultiFrame(t *testing.T) {
	t.Parallel()

	elements, err := minimalElements()
	require.NoError(t, err)
	extra, err := buildElements(
		elem{tag.Rows, []int{2}},
		elem{tag.Columns, []int{2}},
		elem{tag.NumberOfFrames, []string{"2"}},
	)
	require.NoError(t, err)
	elements = append(elements, extra...)

	raw := writeDataset(t, elements, []frame.Frame{
		nativeFrame(16, 2, 2, 10),
		nativeFrame(16, 2, 2, 20),
	})

	ds, err := Provider{}.Parse(raw)
	require.NoError(t, err)
	_, _, _, err = ds.PixelPlane()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frames")
}

func TestPixelPlaneRejectsNon16Bit(t *testing.T) {
	t.Parallel()

	elements, err := buildElements(
		elem{tag.MediaStorageSOPClassUID, []string{secondaryCaptureSOPClass}},
		elem{tag.MediaStorageSOPInstanceUID, []string{synthesizedSOPInstance}},
		elem{tag.TransferSyntaxUID, []string{explicitVRLittleEndian}},
		elem{tag.SOPClassUID, []string{secondaryCaptureSOPClass}},
		elem{tag.SOPInstanceUID, []string{synthesizedSOPInstance}},
		elem{tag.SamplesPerPixel, []int{1}},
		elem{tag.PhotometricInterpretation, []string{"MONOCHROME2"}},
		elem{tag.BitsAllocated, []int{8}},
		elem{tag.BitsStored, []int{8}},
		elem{tag.HighBit, []int{7}},
		elem{tag.PixelRepresentation, []int{0}},
		elem{tag.Rows, []int{2}},
		elem{tag.Columns, []int{2}},
	)
	require.NoError(t, err)

	raw := writeDataset(t, elements, []frame.Frame{nativeFrame(8, 2, 2, 1)})

	ds, err := Provider{}.Parse(raw)
	require.NoError(t, err)
	_, _, _, err = ds.PixelPlane()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bits per sample")
}

func TestReconstructShapeMismatch(t *testing.T) {
	t.Parallel()

	p := Provider{}
	_, err := p.Reconstruct(make([]uint16, 10), 3, 4, nil, nil)
	require.Error(t, err)

	_, err = p.Reconstruct(nil, -1, 4, nil, nil)
	require.Error(t, err)
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Provider{}.Parse([]byte("not a dicom file at all"))
	require.Error(t, err)
}
