package format

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Entry is one archived file's metadata record.
type Entry struct {
	// Path is the archive-relative forward-slash path. Unique key.
	Path string

	// Method selects the decode function for this entry.
	Method Method

	// OrigSize is the size of the source file in bytes.
	OrigSize uint64

	// CompSize is the size of the stored blob in bytes. Zero is legal
	// only for a genuinely empty source file.
	CompSize uint64

	// Offset is the blob's position in the archive file. Offsets start
	// at HeaderSize; the data section has no padding between blobs.
	Offset uint64

	// Rows and Cols describe the pixel plane for image entries, 0 otherwise.
	Rows uint32
	Cols uint32

	// Side carries auxiliary data needed to rebuild an image file.
	Side *SideMeta
}

// SideMeta holds the display scalars and the compressed header blob of
// an image entry. Scalars are kept as plain values so a viewer can
// window the image even when full header replay fails.
type SideMeta struct {
	WindowCenter     *float64
	WindowWidth      *float64
	RescaleSlope     *float64
	RescaleIntercept *float64

	// HeaderBlob is the zstd-compressed serialized header (pixel data
	// stripped). Nil when the source had no usable header.
	HeaderBlob []byte
}

// Side metadata flag bits.
const (
	sideHasWindowCenter = 1 << iota
	sideHasWindowWidth
	sideHasRescaleSlope
	sideHasRescaleIntercept
	sideHasHeaderBlob
)

// appendSideMeta serializes s: a flag byte, each present scalar as f64
// little-endian in flag-bit order, then the length-prefixed blob.
func appendSideMeta(buf []byte, s *SideMeta) []byte {
	var flags byte
	scalars := make([]float64, 0, 4)
	for _, p := range []struct {
		bit byte
		val *float64
	}{
		{sideHasWindowCenter, s.WindowCenter},
		{sideHasWindowWidth, s.WindowWidth},
		{sideHasRescaleSlope, s.RescaleSlope},
		{sideHasRescaleIntercept, s.RescaleIntercept},
	} {
		if p.val != nil {
			flags |= p.bit
			scalars = append(scalars, *p.val)
		}
	}
	if len(s.HeaderBlob) > 0 {
		flags |= sideHasHeaderBlob
	}

	buf = append(buf, flags)
	for _, v := range scalars {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	if flags&sideHasHeaderBlob != 0 {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.HeaderBlob)))
		buf = append(buf, s.HeaderBlob...)
	}
	return buf
}

// decodeSideMeta parses a side-metadata record.
func decodeSideMeta(data []byte) (*SideMeta, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty side metadata", ErrFormat)
	}
	flags := data[0]
	data = data[1:]

	s := &SideMeta{}
	readScalar := func() (*float64, error) {
		if len(data) < 8 {
			return nil, fmt.Errorf("%w: truncated side metadata", ErrFormat)
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(data))
		data = data[8:]
		return &v, nil
	}

	var err error
	if flags&sideHasWindowCenter != 0 {
		if s.WindowCenter, err = readScalar(); err != nil {
			return nil, err
		}
	}
	if flags&sideHasWindowWidth != 0 {
		if s.WindowWidth, err = readScalar(); err != nil {
			return nil, err
		}
	}
	if flags&sideHasRescaleSlope != 0 {
		if s.RescaleSlope, err = readScalar(); err != nil {
			return nil, err
		}
	}
	if flags&sideHasRescaleIntercept != 0 {
		if s.RescaleIntercept, err = readScalar(); err != nil {
			return nil, err
		}
	}
	if flags&sideHasHeaderBlob != 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated side metadata", ErrFormat)
		}
		blobLen := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint64(len(data)) < uint64(blobLen) {
			return nil, fmt.Errorf("%w: side metadata blob exceeds record", ErrFormat)
		}
		s.HeaderBlob = append([]byte(nil), data[:blobLen]...)
		data = data[blobLen:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes in side metadata", ErrFormat)
	}
	return s, nil
}

// Validate checks an entry against the data-section bounds.
// dataEnd is the recorded end of the data section, archiveSize the
// total file size.
func (e *Entry) Validate(dataEnd, archiveSize uint64) error {
	if !e.Method.Valid() {
		return fmt.Errorf("%w: entry %s: unknown method %d", ErrFormat, e.Path, e.Method)
	}
	if e.Offset < HeaderSize || e.Offset >= dataEnd && !(e.CompSize == 0 && e.Offset == dataEnd) {
		return fmt.Errorf("%w: entry %s: offset %d outside data section", ErrFormat, e.Path, e.Offset)
	}
	if e.Offset+e.CompSize < e.Offset || e.Offset+e.CompSize > dataEnd {
		return fmt.Errorf("%w: entry %s: blob exceeds data section", ErrFormat, e.Path)
	}
	if dataEnd > archiveSize {
		return fmt.Errorf("%w: data section end %d past end of file", ErrFormat, dataEnd)
	}
	if e.CompSize == 0 && e.OrigSize != 0 {
		return fmt.Errorf("%w: entry %s: empty blob for non-empty source", ErrFormat, e.Path)
	}
	return nil
}
