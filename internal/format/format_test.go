package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestIndexRoundTrip(t *testing.T) {
	t.Parallel()

	entries := []Entry{
		{
			Path:     "study/slice_001.dcm",
			Method:   MethodPredictiveImage,
			OrigSize: 527386,
			CompSize: 201122,
			Offset:   HeaderSize,
			Rows:     512,
			Cols:     512,
			Side: &SideMeta{
				WindowCenter:     f64(40),
				WindowWidth:      f64(400),
				RescaleSlope:     f64(1),
				RescaleIntercept: f64(-1024),
				HeaderBlob:       []byte{0x28, 0xb5, 0x2f, 0xfd, 0x01, 0x02},
			},
		},
		{
			Path:     "notes/report.txt",
			Method:   MethodTextLZMA,
			OrigSize: 10240,
			CompSize: 3000,
			Offset:   HeaderSize + 201122,
		},
		{
			Path:     "raw/empty.bin",
			Method:   MethodStore,
			OrigSize: 0,
			CompSize: 0,
			Offset:   HeaderSize + 204122,
		},
	}

	data, err := EncodeIndex(entries, "sha256:aa3b2c6e1f00aa3b2c6e1f00aa3b2c6e1f00aa3b2c6e1f00aa3b2c6e1f00aabb")
	require.NoError(t, err)

	got, digest, err := DecodeIndex(data)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
	assert.Equal(t, "sha256:aa3b2c6e1f00aa3b2c6e1f00aa3b2c6e1f00aa3b2c6e1f00aa3b2c6e1f00aabb", digest)
}

func TestIndexRoundTripNoDigest(t *testing.T) {
	t.Parallel()

	data, err := EncodeIndex(nil, "")
	require.NoError(t, err)

	got, digest, err := DecodeIndex(data)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, digest)
}

func TestDecodeIndexRejectsTruncation(t *testing.T) {
	t.Parallel()

	entries := []Entry{{Path: "a", Method: MethodStore, OrigSize: 1, CompSize: 1, Offset: HeaderSize}}
	data, err := EncodeIndex(entries, "")
	require.NoError(t, err)

	for cut := 1; cut < len(data); cut++ {
		_, _, err := DecodeIndex(data[:cut])
		require.ErrorIs(t, err, ErrFormat, "decode of %d/%d bytes must fail", cut, len(data))
	}
}

func TestDecodeIndexRejectsTrailingBytes(t *testing.T) {
	t.Parallel()

	data, err := EncodeIndex(nil, "")
	require.NoError(t, err)
	_, _, err = DecodeIndex(append(data, 0x00))
	require.ErrorIs(t, err, ErrFormat)
}

func TestDecodeIndexRejectsOversizedCount(t *testing.T) {
	t.Parallel()

	// version 1, count 0xFFFFFFFF, nothing else.
	data := []byte{0x01, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := DecodeIndex(data)
	require.ErrorIs(t, err, ErrFormat)
}

func TestTrailer(t *testing.T) {
	t.Parallel()

	trailer := EncodeTrailer(12345)
	require.Len(t, trailer, TrailerSize)
	assert.Equal(t, Magic, string(trailer[8:]))

	n, err := DecodeTrailer(trailer)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), n)

	bad := append([]byte(nil), trailer...)
	bad[9] ^= 0xFF
	_, err = DecodeTrailer(bad)
	require.ErrorIs(t, err, ErrFormat)

	_, err = DecodeTrailer(trailer[:TrailerSize-1])
	require.ErrorIs(t, err, ErrFormat)
}

func TestEntryValidate(t *testing.T) {
	t.Parallel()

	const dataEnd, archiveSize = 100, 200

	valid := Entry{Path: "a", Method: MethodStore, OrigSize: 10, CompSize: 10, Offset: HeaderSize}
	require.NoError(t, valid.Validate(dataEnd, archiveSize))

	tests := []struct {
		name  string
		entry Entry
	}{
		{"offset before header", Entry{Path: "a", Method: MethodStore, OrigSize: 1, CompSize: 1, Offset: 2}},
		{"offset past data end", Entry{Path: "a", Method: MethodStore, OrigSize: 1, CompSize: 1, Offset: 150}},
		{"blob past data end", Entry{Path: "a", Method: MethodStore, OrigSize: 90, CompSize: 90, Offset: 90}},
		{"unknown method", Entry{Path: "a", Method: Method(42), OrigSize: 1, CompSize: 1, Offset: HeaderSize}},
		{"empty blob for data", Entry{Path: "a", Method: MethodStore, OrigSize: 5, CompSize: 0, Offset: HeaderSize}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, tt.entry.Validate(dataEnd, archiveSize), ErrFormat)
		})
	}

	require.ErrorIs(t, valid.Validate(300, archiveSize), ErrFormat, "data end past file size")

	empty := Entry{Path: "e", Method: MethodStore, OrigSize: 0, CompSize: 0, Offset: dataEnd}
	require.NoError(t, empty.Validate(dataEnd, archiveSize), "empty blob may sit at data end")
}

func TestMethodStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "predictive-image", MethodPredictiveImage.String())
	assert.Equal(t, "store", MethodStore.String())
	assert.Equal(t, "unknown", Method(99).String())
	assert.True(t, MethodPassthroughMedia.Valid())
	assert.False(t, Method(11).Valid())
	assert.True(t, MethodStore.Identity())
	assert.True(t, MethodPassthroughPNG.Identity())
	assert.False(t, MethodDeflate.Identity())
}
