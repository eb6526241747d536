package dispatch

import (
	"errors"
	"fmt"

	"github.com/medvault/csar/internal/format"
	"github.com/medvault/csar/internal/imagecodec"
)

// ErrCodec is returned when a stored blob cannot be decoded.
var ErrCodec = errors.New("csar: codec failure")

// Decode reverses the compression recorded by the method code.
//
// For MethodPredictiveImage the result is the little-endian uint16
// pixel plane; callers reconstruct a displayable file from it plus the
// side metadata. For every other method the result is the original
// file bytes. Decode depends only on its arguments.
//
// origSize is the original size recorded in the index and caps the
// decompressed output: a stored stream that expands past it is
// rejected rather than read to completion, so a corrupt or hostile
// entry cannot force an unbounded allocation.
func Decode(method format.Method, blob []byte, origSize uint64, rows, cols uint32) ([]byte, error) {
	switch {
	case method.Identity():
		return blob, nil
	case method == format.MethodDeflate:
		out, err := deflateDecompress(blob, origSize)
		if err != nil {
			return nil, fmt.Errorf("%w: deflate: %v", ErrCodec, err)
		}
		return out, nil
	case method == format.MethodTextLZMA:
		out, err := lzmaDecompress(blob, origSize)
		if err != nil {
			return nil, fmt.Errorf("%w: lzma: %v", ErrCodec, err)
		}
		return out, nil
	case method == format.MethodPredictiveImage:
		return decodeImage(blob, origSize, rows, cols)
	case method == format.MethodLegacyFold:
		return decodeLegacyFold(blob, origSize)
	default:
		return nil, fmt.Errorf("%w: unknown method %d", ErrCodec, method)
	}
}

// decodeImage unpacks a PredictiveImage blob into plane bytes.
func decodeImage(blob []byte, origSize uint64, rows, cols uint32) ([]byte, error) {
	if len(blob) < 1 {
		return nil, fmt.Errorf("%w: empty image blob", ErrCodec)
	}
	planeBytes := 2 * uint64(rows) * uint64(cols)
	if planeBytes > origSize {
		return nil, fmt.Errorf("%w: %dx%d plane exceeds recorded original size %d", ErrCodec, rows, cols, origSize)
	}
	kind := blob[0]
	payload, err := deflateDecompress(blob[1:], planeBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: image payload: %v", ErrCodec, err)
	}

	samples, err := imagecodec.Samples(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if uint64(len(samples)) != uint64(rows)*uint64(cols) {
		return nil, fmt.Errorf("%w: %d samples for %dx%d plane", ErrCodec, len(samples), rows, cols)
	}

	switch kind {
	case streamRawPlane:
		return imagecodec.Bytes(samples), nil
	case streamResiduals:
		plane, err := imagecodec.Inverse(samples, int(rows), int(cols))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCodec, err)
		}
		return imagecodec.Bytes(plane), nil
	default:
		return nil, fmt.Errorf("%w: unknown image stream kind %d", ErrCodec, kind)
	}
}
