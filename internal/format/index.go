package format

import (
	"encoding/binary"
	"fmt"
	"math"
)

// maxPathLen bounds a single entry path (u16 length prefix).
const maxPathLen = math.MaxUint16

// EncodeIndex serializes the entry table. dataDigest is the canonical
// digest string of the data section ("" to omit).
func EncodeIndex(entries []Entry, dataDigest string) ([]byte, error) {
	buf := make([]byte, 0, 64*len(entries)+64)
	buf = binary.LittleEndian.AppendUint16(buf, IndexVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))

	for i := range entries {
		e := &entries[i]
		if len(e.Path) == 0 || len(e.Path) > maxPathLen {
			return nil, fmt.Errorf("%w: entry path length %d", ErrFormat, len(e.Path))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Path)))
		buf = append(buf, e.Path...)
		buf = append(buf, byte(e.Method))
		buf = binary.LittleEndian.AppendUint64(buf, e.OrigSize)
		buf = binary.LittleEndian.AppendUint64(buf, e.CompSize)
		buf = binary.LittleEndian.AppendUint64(buf, e.Offset)
		buf = binary.LittleEndian.AppendUint32(buf, e.Rows)
		buf = binary.LittleEndian.AppendUint32(buf, e.Cols)
		if e.Side == nil {
			buf = binary.LittleEndian.AppendUint32(buf, 0)
		} else {
			side := appendSideMeta(nil, e.Side)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(side)))
			buf = append(buf, side...)
		}
	}

	if len(dataDigest) > maxPathLen {
		return nil, fmt.Errorf("%w: digest string length %d", ErrFormat, len(dataDigest))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(dataDigest)))
	buf = append(buf, dataDigest...)
	return buf, nil
}

// DecodeIndex parses an index blob produced by EncodeIndex.
func DecodeIndex(data []byte) (entries []Entry, dataDigest string, err error) {
	r := &indexReader{data: data}

	version := r.u16()
	if r.err == nil && version != IndexVersion {
		return nil, "", fmt.Errorf("%w: unsupported index version %d", ErrFormat, version)
	}
	count := r.u32()
	if r.err != nil {
		return nil, "", r.err
	}
	// Each entry record is at least 36 bytes; reject counts that cannot fit.
	if uint64(count)*36 > uint64(len(data)) {
		return nil, "", fmt.Errorf("%w: entry count %d exceeds index size", ErrFormat, count)
	}

	entries = make([]Entry, 0, count)
	for range count {
		var e Entry
		e.Path = string(r.bytes(int(r.u16())))
		e.Method = Method(r.u8())
		e.OrigSize = r.u64()
		e.CompSize = r.u64()
		e.Offset = r.u64()
		e.Rows = r.u32()
		e.Cols = r.u32()
		if sideLen := r.u32(); r.err == nil && sideLen > 0 {
			side := r.bytes(int(sideLen))
			if r.err == nil {
				e.Side, r.err = decodeSideMeta(side)
			}
		}
		if r.err != nil {
			return nil, "", r.err
		}
		entries = append(entries, e)
	}

	dataDigest = string(r.bytes(int(r.u16())))
	if r.err != nil {
		return nil, "", r.err
	}
	if len(r.data) != 0 {
		return nil, "", fmt.Errorf("%w: %d trailing bytes after index", ErrFormat, len(r.data))
	}
	return entries, dataDigest, nil
}

// EncodeTrailer builds the fixed trailer for an index of the given length.
func EncodeTrailer(indexLen uint64) []byte {
	buf := make([]byte, 0, TrailerSize)
	buf = binary.LittleEndian.AppendUint64(buf, indexLen)
	buf = append(buf, Magic...)
	return buf
}

// DecodeTrailer validates the magic and returns the index length.
func DecodeTrailer(trailer []byte) (indexLen uint64, err error) {
	if len(trailer) != TrailerSize {
		return 0, fmt.Errorf("%w: trailer is %d bytes, want %d", ErrFormat, len(trailer), TrailerSize)
	}
	if string(trailer[8:]) != Magic {
		return 0, fmt.Errorf("%w: bad magic", ErrFormat)
	}
	return binary.LittleEndian.Uint64(trailer[:8]), nil
}

// indexReader is a cursor over the index blob. The first failed read
// latches an error; later reads return zero values.
type indexReader struct {
	data []byte
	err  error
}

func (r *indexReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated index", ErrFormat)
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *indexReader) u8() uint8 {
	b := r.bytes(1)
	if r.err != nil {
		return 0
	}
	return b[0]
}

func (r *indexReader) u16() uint16 {
	b := r.bytes(2)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *indexReader) u32() uint32 {
	b := r.bytes(4)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *indexReader) u64() uint64 {
	b := r.bytes(8)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}
