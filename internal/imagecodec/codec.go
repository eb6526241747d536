// Package imagecodec implements the lossless causal predictor for
// 16-bit pixel planes.
//
// For pixel (r,c) the causal neighbors are A=left, B=up, C=up-left
// (zero when absent). The gradient estimate is p = A+B-C and the
// predictor is the candidate among {A, B, p} nearest to p, ties broken
// A then B. Residuals are stored as 16-bit values with wraparound;
// the inverse applies identical modular arithmetic, so the round trip
// is exact for every input.
package imagecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrPlaneSize is returned when a sample buffer does not match rows*cols.
var ErrPlaneSize = errors.New("imagecodec: sample count does not match plane shape")

// predict returns the predicted value for a pixel with neighbors a, b, c.
// The result is reduced mod 2^16; residual arithmetic stays modular on
// both sides of the transform.
func predict(a, b, c uint16) uint16 {
	p := int(a) + int(b) - int(c)
	if int(a) == p {
		return a
	}
	if int(b) == p {
		return b
	}
	return uint16(p)
}

// Forward computes prediction residuals for a row-major uint16 plane.
// The returned slice has one residual per sample in scan order.
// A 0x0 plane yields an empty slice.
func Forward(plane []uint16, rows, cols int) ([]uint16, error) {
	if rows < 0 || cols < 0 || len(plane) != rows*cols {
		return nil, fmt.Errorf("%w: %d samples for %dx%d", ErrPlaneSize, len(plane), rows, cols)
	}
	if rows == 0 || cols == 0 {
		return []uint16{}, nil
	}

	out := make([]uint16, rows*cols)
	for r := range rows {
		for c := range cols {
			i := r*cols + c
			var a, b, cc uint16
			if c > 0 {
				a = plane[i-1]
			}
			if r > 0 {
				b = plane[i-cols]
				if c > 0 {
					cc = plane[i-cols-1]
				}
			}
			out[i] = plane[i] - predict(a, b, cc)
		}
	}
	return out, nil
}

// Inverse reconstructs the pixel plane from residuals.
//
// Neighbors are read from the output buffer, never from the residual
// stream: position i is written before any later position reads it, so
// within a row each pixel depends on its left neighbor and across rows
// on the previous, fully reconstructed row. That sequential dependency
// is what makes the transform exact; callers must not parallelize
// pixels within a row.
func Inverse(residuals []uint16, rows, cols int) ([]uint16, error) {
	if rows < 0 || cols < 0 || len(residuals) != rows*cols {
		return nil, fmt.Errorf("%w: %d residuals for %dx%d", ErrPlaneSize, len(residuals), rows, cols)
	}
	if rows == 0 || cols == 0 {
		return []uint16{}, nil
	}

	out := make([]uint16, rows*cols)
	for r := range rows {
		for c := range cols {
			i := r*cols + c
			var a, b, cc uint16
			if c > 0 {
				a = out[i-1]
			}
			if r > 0 {
				b = out[i-cols]
				if c > 0 {
					cc = out[i-cols-1]
				}
			}
			out[i] = predict(a, b, cc) + residuals[i]
		}
	}
	return out, nil
}

// Bytes serializes samples as little-endian uint16 pairs.
func Bytes(samples []uint16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], v)
	}
	return buf
}

// Samples parses little-endian uint16 pairs.
func Samples(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, errors.New("imagecodec: odd byte count for uint16 samples")
	}
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return out, nil
}
