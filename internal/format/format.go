// Package format defines the on-disk layout of a csar container:
// an 8-byte header holding the data-section end offset, the
// concatenated compressed blobs, a length-prefixed entry table, and a
// fixed trailer (index length + magic) that enables backward-seek
// parsing without a full scan.
package format

import (
	"errors"
)

const (
	// HeaderSize is the fixed size of the archive header: a u64
	// little-endian offset of the first byte past the data section.
	HeaderSize = 8

	// TrailerSize is the fixed size of the archive trailer: a u64
	// little-endian index length followed by the 4-byte magic.
	TrailerSize = 12

	// Magic marks the end of a fully written archive. A file without it
	// is not an archive, partially written or otherwise.
	Magic = "CSA1"

	// IndexVersion is the current index table version.
	IndexVersion = 1
)

// ErrFormat is returned when an archive fails structural validation:
// bad magic, truncated trailer, or an index that does not fit the file.
var ErrFormat = errors.New("csar: invalid archive format")

// Method identifies the compression strategy applied to an entry.
// The method code is the sole determinant of the decode function.
type Method uint8

const (
	// MethodPredictiveImage stores a 16-bit pixel plane as causal
	// prediction residuals (or the raw plane, whichever compressed
	// smaller) behind a zlib stream.
	MethodPredictiveImage Method = 1

	// MethodTextLZMA stores an xz/LZMA2 stream with a large dictionary.
	MethodTextLZMA Method = 2

	// MethodDeflate stores a zlib stream.
	MethodDeflate Method = 3

	// MethodStore stores the input verbatim.
	MethodStore Method = 4

	// MethodLegacyFold identifies folded-block blobs written by
	// historical revisions. Decode-only.
	MethodLegacyFold Method = 5

	// Per-format passthrough codes. All decode as identity; the code
	// records what the sniffer saw.
	MethodPassthroughJPEG  Method = 6
	MethodPassthroughPNG   Method = 7
	MethodPassthroughTIFF  Method = 8
	MethodPassthroughBMP   Method = 9
	MethodPassthroughMedia Method = 10
)

// Valid reports whether m is a known method code.
func (m Method) Valid() bool {
	return m >= MethodPredictiveImage && m <= MethodPassthroughMedia
}

// Identity reports whether decoding m returns the stored bytes as-is.
func (m Method) Identity() bool {
	return m == MethodStore || (m >= MethodPassthroughJPEG && m <= MethodPassthroughMedia)
}

// String returns the human-readable name of the method.
func (m Method) String() string {
	switch m {
	case MethodPredictiveImage:
		return "predictive-image"
	case MethodTextLZMA:
		return "text-lzma"
	case MethodDeflate:
		return "deflate"
	case MethodStore:
		return "store"
	case MethodLegacyFold:
		return "legacy-fold"
	case MethodPassthroughJPEG:
		return "passthrough-jpeg"
	case MethodPassthroughPNG:
		return "passthrough-png"
	case MethodPassthroughTIFF:
		return "passthrough-tiff"
	case MethodPassthroughBMP:
		return "passthrough-bmp"
	case MethodPassthroughMedia:
		return "passthrough-media"
	default:
		return "unknown"
	}
}
