package dispatch

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/medvault/csar/internal/imagecodec"
)

// Historical folded-blob framing. Kept decode-only so archives written
// by earlier revisions stay extractable; nothing writes these anymore.
var (
	legacyFoldMagic  = []byte("RSF0")
	legacyImageMagic = []byte("DCM0")
)

// legacyFoldBlock is the fixed block length of the folded stream.
const legacyFoldBlock = 256

// decodeLegacyFold decodes a MethodLegacyFold blob. Two variants
// exist: an image variant holding zigzag-mapped residuals under the
// clamped-gradient predictor of old writers, and a byte-fold variant
// holding delta-coded block means plus per-block residuals.
func decodeLegacyFold(blob []byte, origSize uint64) ([]byte, error) {
	if !bytes.HasPrefix(blob, legacyFoldMagic) {
		return nil, fmt.Errorf("%w: not a legacy fold blob", ErrCodec)
	}
	blob = blob[len(legacyFoldMagic):]

	if bytes.HasPrefix(blob, legacyImageMagic) {
		return decodeLegacyImage(blob[len(legacyImageMagic):], origSize)
	}
	return decodeLegacyBytes(blob, origSize)
}

// decodeLegacyImage reconstructs a pixel plane from a legacy image blob:
// u16 rows, u16 cols, then a zlib stream of zigzag-mapped u32 residuals.
func decodeLegacyImage(blob []byte, origSize uint64) ([]byte, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("%w: truncated legacy image header", ErrCodec)
	}
	rows := int(binary.LittleEndian.Uint16(blob[0:2]))
	cols := int(binary.LittleEndian.Uint16(blob[2:4]))
	if uint64(rows)*uint64(cols)*2 > origSize {
		return nil, fmt.Errorf("%w: legacy %dx%d plane exceeds recorded original size %d", ErrCodec, rows, cols, origSize)
	}

	mapped, err := deflateDecompress(blob[4:], uint64(rows)*uint64(cols)*4)
	if err != nil {
		return nil, fmt.Errorf("%w: legacy image payload: %v", ErrCodec, err)
	}
	if len(mapped) != rows*cols*4 {
		return nil, fmt.Errorf("%w: legacy residual count mismatch", ErrCodec)
	}

	out := make([]uint16, rows*cols)
	for r := range rows {
		for c := range cols {
			i := r*cols + c
			var a, b, cc int
			if c > 0 {
				a = int(out[i-1])
			}
			if r > 0 {
				b = int(out[i-cols])
				if c > 0 {
					cc = int(out[i-cols-1])
				}
			}
			residual := zigzagDecode(binary.LittleEndian.Uint32(mapped[4*i:]))
			val := clampedGradient(a, b, cc) + residual
			if val < 0 {
				val = 0
			}
			if val > 0xFFFF {
				val = 0xFFFF
			}
			out[i] = uint16(val)
		}
	}
	return imagecodec.Bytes(out), nil
}

// clampedGradient is the predictor old writers used: clamp A+B-C into
// [min(A,B), max(A,B)].
func clampedGradient(a, b, c int) int {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	switch {
	case c >= hi:
		return lo
	case c <= lo:
		return hi
	default:
		return a + b - c
	}
}

func zigzagDecode(v uint32) int {
	if v&1 == 0 {
		return int(v >> 1)
	}
	return -int((v + 1) >> 1)
}

// decodeLegacyBytes reconstructs a byte stream from the folded variant:
// u64 original length, u32 coarse length, u32 main length, then two
// zlib streams of i32 values (delta-coded block means; block residuals).
func decodeLegacyBytes(blob []byte, origSize uint64) ([]byte, error) {
	if len(blob) < 16 {
		return nil, fmt.Errorf("%w: truncated legacy fold header", ErrCodec)
	}
	origLen := binary.LittleEndian.Uint64(blob[0:8])
	coarseLen := binary.LittleEndian.Uint32(blob[8:12])
	mainLen := binary.LittleEndian.Uint32(blob[12:16])
	blob = blob[16:]
	if uint64(len(blob)) < uint64(coarseLen)+uint64(mainLen) {
		return nil, fmt.Errorf("%w: legacy fold payload exceeds blob", ErrCodec)
	}
	if origLen > origSize {
		return nil, fmt.Errorf("%w: legacy fold length %d exceeds recorded original size %d", ErrCodec, origLen, origSize)
	}
	blocks := (origLen + legacyFoldBlock - 1) / legacyFoldBlock

	coarse, err := deflateDecompress(blob[:coarseLen], 4*blocks)
	if err != nil {
		return nil, fmt.Errorf("%w: legacy fold coarse stream: %v", ErrCodec, err)
	}
	main, err := deflateDecompress(blob[coarseLen:uint64(coarseLen)+uint64(mainLen)], 4*origLen)
	if err != nil {
		return nil, fmt.Errorf("%w: legacy fold main stream: %v", ErrCodec, err)
	}
	if len(coarse)%4 != 0 || len(main)%4 != 0 {
		return nil, fmt.Errorf("%w: legacy fold stream alignment", ErrCodec)
	}

	out := make([]byte, 0, origLen)
	mean := 0
	for block := 0; block*4 < len(coarse); block++ {
		mean += int(int32(binary.LittleEndian.Uint32(coarse[4*block:])))
		start := block * legacyFoldBlock * 4
		if start >= len(main) {
			break
		}
		end := min(start+legacyFoldBlock*4, len(main))
		for off := start; off < end; off += 4 {
			v := int(int32(binary.LittleEndian.Uint32(main[off:]))) + mean
			if v < 0 {
				v = 0
			}
			if v > 0xFF {
				v = 0xFF
			}
			out = append(out, byte(v))
		}
	}
	if uint64(len(out)) > origLen {
		out = out[:origLen]
	}
	return out, nil
}
