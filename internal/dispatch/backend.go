package dispatch

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// lzmaDictCap is the LZMA2 dictionary capacity for text entries. The
// large window is what lets LZMA beat DEFLATE on redundant text.
const lzmaDictCap = 32 << 20

func deflateCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deflateDecompress(data []byte, limit uint64) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r, limit)
}

func lzmaCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	cfg := xz.WriterConfig{DictCap: lzmaDictCap}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lzmaDecompress(data []byte, limit uint64) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return readLimited(r, limit)
}

// readLimited reads at most limit bytes. A stream expanding past the
// limit is an error, not a truncation: stored sizes are part of the
// index contract and a stream that outgrows them is hostile or corrupt.
func readLimited(r io.Reader, limit uint64) ([]byte, error) {
	if limit >= math.MaxInt64 {
		limit = math.MaxInt64 - 1
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) > limit {
		return nil, fmt.Errorf("decompressed output exceeds %d bytes", limit)
	}
	return out, nil
}

// CompressHeader compresses a serialized dataset header at maximum
// ratio for storage as side metadata.
func CompressHeader(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedBestCompression),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// DecompressHeader reverses CompressHeader.
func DecompressHeader(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
