package csar

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medvault/csar/internal/dispatch"
	"github.com/medvault/csar/internal/format"
	"github.com/medvault/csar/internal/imagecodec"
)

// testProvider reads a toy image format the tests can synthesize
// freely: a standard 128-byte preamble and "DICM" marker, then u32
// rows, u32 cols, then the little-endian uint16 plane. The header is
// everything before the samples, so a stored header reproduces the
// original file byte for byte.
type testProvider struct{}

const testHeaderSize = 128 + 4 + 8

type testDataset struct {
	raw []byte
}

func (testProvider) Parse(data []byte) (dispatch.Dataset, error) {
	if len(data) < testHeaderSize {
		return nil, fmt.Errorf("short image: %d bytes", len(data))
	}
	return &testDataset{raw: data}, nil
}

func (d *testDataset) PixelPlane() ([]uint16, int, int, error) {
	rows := int(binary.LittleEndian.Uint32(d.raw[132:]))
	cols := int(binary.LittleEndian.Uint32(d.raw[136:]))
	plane, err := imagecodec.Samples(d.raw[testHeaderSize:])
	if err != nil {
		return nil, 0, 0, err
	}
	if len(plane) != rows*cols {
		return nil, 0, 0, fmt.Errorf("%d samples for %dx%d", len(plane), rows, cols)
	}
	return plane, rows, cols, nil
}

func (d *testDataset) SerializeHeader() ([]byte, error) {
	return d.raw[:testHeaderSize], nil
}

func (d *testDataset) DisplayScalars() format.SideMeta {
	return format.SideMeta{}
}

func (testProvider) Reconstruct(plane []uint16, rows, cols int, header []byte, side *format.SideMeta) ([]byte, error) {
	if header == nil {
		header = make([]byte, testHeaderSize)
		copy(header[128:], "DICM")
		binary.LittleEndian.PutUint32(header[132:], uint32(rows))
		binary.LittleEndian.PutUint32(header[136:], uint32(cols))
	}
	out := make([]byte, 0, len(header)+2*len(plane))
	out = append(out, header...)
	return append(out, imagecodec.Bytes(plane)...), nil
}

// makeImage builds a toy image file with a smooth synthetic plane.
func makeImage(rows, cols int) []byte {
	plane := make([]uint16, rows*cols)
	for r := range rows {
		for c := range cols {
			plane[r*cols+c] = uint16(900 + 11*r + 2*c)
		}
	}
	raw := make([]byte, testHeaderSize)
	copy(raw[128:], "DICM")
	binary.LittleEndian.PutUint32(raw[132:], uint32(rows))
	binary.LittleEndian.PutUint32(raw[136:], uint32(cols))
	return append(raw, imagecodec.Bytes(plane)...)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	out := make([]byte, n)
	rng.Read(out) //nolint:errcheck // never fails
	return out
}

func writeFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// zlibBytes wraps random data in a zlib stream: already-compressed
// input that no second pass should shrink.
func zlibBytes(t *testing.T, n int) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(randomBytes(t, n))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// buildTestArchive packs one image, one text file, and one
// pre-compressed binary and returns the inputs by archive path.
func buildTestArchive(t *testing.T, out string) map[string][]byte {
	t.Helper()

	files := map[string][]byte{
		"study/slice_001.dcm": makeImage(64, 64),
		"notes/report.txt":    bytes.Repeat([]byte("patient stable, no acute findings\n"), 300),
		"raw/data.bin":        zlibBytes(t, 8192),
	}

	dir := t.TempDir()
	for name, data := range files {
		writeFile(t, dir, name, data)
	}

	n, err := Build(context.Background(), dir, out, BuildWithDatasetProvider(testProvider{}))
	require.NoError(t, err)
	require.Equal(t, len(files), n)
	return files
}

func TestBuildAndExtract(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	files := buildTestArchive(t, out)

	a, err := Open(out, WithDatasetProvider(testProvider{}))
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, len(files), a.Len())

	img, ok := a.Entry("study/slice_001.dcm")
	require.True(t, ok)
	assert.Equal(t, MethodPredictiveImage, img.Method)
	assert.Equal(t, uint32(64), img.Rows)
	assert.Equal(t, uint32(64), img.Cols)
	require.NotNil(t, img.Side)
	assert.NotEmpty(t, img.Side.HeaderBlob)
	assert.Less(t, img.CompSize, img.OrigSize)

	txt, ok := a.Entry("notes/report.txt")
	require.True(t, ok)
	assert.Contains(t, []Method{MethodTextLZMA, MethodDeflate}, txt.Method)
	assert.Less(t, txt.CompSize, txt.OrigSize)

	bin, ok := a.Entry("raw/data.bin")
	require.True(t, ok)
	assert.Equal(t, MethodStore, bin.Method)
	assert.Equal(t, bin.OrigSize, bin.CompSize)

	for name, want := range files {
		got, err := a.ExtractFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err = a.ExtractFile("no/such/entry")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBuildCancelledByProgress(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for i := range 5 {
		writeFile(t, dir, fmt.Sprintf("f%d.txt", i), bytes.Repeat([]byte("abcdefgh\n"), 500))
	}
	out := filepath.Join(t.TempDir(), "partial.csar")

	var seen atomic.Int64
	_, err := Build(context.Background(), dir, out,
		BuildWithWorkers(1),
		BuildWithProgress(func(ev ProgressEvent) bool {
			if ev.Stage != StageCompressing || ev.Err != nil {
				return true
			}
			return seen.Add(1) < 2
		}))
	require.ErrorIs(t, err, ErrCancelled)

	// The aborted output must exist but carry no valid trailer: the
	// partial file is inspectable, not openable.
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	_, err = Open(out)
	require.ErrorIs(t, err, ErrFormat)
}

func TestBuildCancelledDuringEnumeration(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for i := range 3 {
		writeFile(t, dir, fmt.Sprintf("f%d.txt", i), bytes.Repeat([]byte("text\n"), 200))
	}
	out := filepath.Join(t.TempDir(), "early.csar")

	// Cancellation latched before any file is committed must still end
	// the build with ErrCancelled and an unopenable output.
	_, err := Build(context.Background(), dir, out,
		BuildWithProgress(func(ev ProgressEvent) bool {
			return ev.Stage != StageEnumerating
		}))
	require.ErrorIs(t, err, ErrCancelled)

	_, err = Open(out)
	require.ErrorIs(t, err, ErrFormat)
}

// slowProvider delays dataset parsing to force the per-file timeout.
type slowProvider struct {
	delay time.Duration
}

func (p slowProvider) Parse(data []byte) (dispatch.Dataset, error) {
	time.Sleep(p.delay)
	return testProvider{}.Parse(data)
}

func (p slowProvider) Reconstruct(plane []uint16, rows, cols int, header []byte, side *format.SideMeta) ([]byte, error) {
	return testProvider{}.Reconstruct(plane, rows, cols, header, side)
}

func TestBuildFileTimeoutStoresVerbatim(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	img := makeImage(16, 16)
	writeFile(t, dir, "slow.dcm", img)
	out := filepath.Join(t.TempDir(), "timeout.csar")

	n, err := Build(context.Background(), dir, out,
		BuildWithDatasetProvider(slowProvider{delay: 5 * time.Second}),
		BuildWithFileTimeout(50*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	a, err := Open(out)
	require.NoError(t, err)
	defer a.Close()

	e, ok := a.Entry("slow.dcm")
	require.True(t, ok)
	assert.Equal(t, MethodStore, e.Method)
	assert.Equal(t, uint64(len(img)), e.OrigSize)

	got, err := a.ExtractFile("slow.dcm")
	require.NoError(t, err)
	assert.Equal(t, img, got)
}

func TestBuildCancelledByContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", []byte("hello"))
	out := filepath.Join(t.TempDir(), "cancelled.csar")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, dir, out)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenRejectsCorruptTrailer(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	buildTestArchive(t, out)

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	// Flip one magic byte.
	bad := append([]byte(nil), data...)
	bad[len(bad)-2] ^= 0xFF
	badPath := filepath.Join(t.TempDir(), "bad.csar")
	require.NoError(t, os.WriteFile(badPath, bad, 0o644))
	_, err = Open(badPath)
	require.ErrorIs(t, err, ErrFormat)

	// Truncate away the trailer.
	shortPath := filepath.Join(t.TempDir(), "short.csar")
	require.NoError(t, os.WriteFile(shortPath, data[:len(data)-TrailerSize], 0o644))
	_, err = Open(shortPath)
	require.ErrorIs(t, err, ErrFormat)

	// A tiny file cannot hold header plus trailer.
	tinyPath := filepath.Join(t.TempDir(), "tiny.csar")
	require.NoError(t, os.WriteFile(tinyPath, []byte("CSA1"), 0o644))
	_, err = Open(tinyPath)
	require.ErrorIs(t, err, ErrFormat)
}

func TestExtractArchiveTree(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	files := buildTestArchive(t, out)

	a, err := Open(out, WithDatasetProvider(testProvider{}))
	require.NoError(t, err)
	defer a.Close()

	dest := t.TempDir()
	n, err := a.ExtractArchive(context.Background(), dest, ExtractWithConcurrency(2))
	require.NoError(t, err)
	assert.Equal(t, len(files), n)

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}

func TestExtractArchiveCancelledByProgress(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	buildTestArchive(t, out)

	a, err := Open(out, WithDatasetProvider(testProvider{}))
	require.NoError(t, err)
	defer a.Close()

	dest := t.TempDir()
	n, err := a.ExtractArchive(context.Background(), dest,
		ExtractWithConcurrency(1),
		ExtractWithProgress(func(ev ProgressEvent) bool { return false }))
	require.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, n, a.Len())
}

func TestVerifyData(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	buildTestArchive(t, out)

	a, err := Open(out)
	require.NoError(t, err)
	defer a.Close()

	d, ok := a.DataDigest()
	require.True(t, ok)
	assert.NotEmpty(t, d)
	require.NoError(t, a.VerifyData())

	// Flip one byte inside the data section: the index still loads but
	// verification must fail.
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	data[HeaderSize] ^= 0xFF
	badPath := filepath.Join(t.TempDir(), "bad.csar")
	require.NoError(t, os.WriteFile(badPath, data, 0o644))

	b, err := Open(badPath)
	require.NoError(t, err)
	defer b.Close()
	require.ErrorIs(t, b.VerifyData(), ErrDigestMismatch)
}

func TestBuildWithoutDigest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", []byte("hello world\n"))
	out := filepath.Join(t.TempDir(), "nodigest.csar")

	_, err := Build(context.Background(), dir, out, BuildWithoutDigest())
	require.NoError(t, err)

	a, err := Open(out)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.DataDigest()
	assert.False(t, ok)
	require.NoError(t, a.VerifyData())
}

func TestAddFiles(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	files := buildTestArchive(t, out)

	srcDir := t.TempDir()
	extra := map[string][]byte{
		"study/slice_002.dcm": makeImage(32, 48),
		"notes/addendum.txt":  bytes.Repeat([]byte("follow-up in six months\n"), 200),
	}
	var sources []AddSource
	for name, data := range extra {
		local := filepath.Join(srcDir, filepath.Base(name))
		require.NoError(t, os.WriteFile(local, data, 0o644))
		sources = append(sources, AddSource{Name: name, Path: local})
	}

	added, skipped, err := AddFiles(context.Background(), out, sources,
		BuildWithDatasetProvider(testProvider{}))
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Empty(t, skipped)

	a, err := Open(out, WithDatasetProvider(testProvider{}))
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, len(files)+len(extra), a.Len())
	require.NoError(t, a.VerifyData())

	for name, want := range files {
		got, err := a.ExtractFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	for name, want := range extra {
		got, err := a.ExtractFile(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
}

func TestAddFilesSkipsDuplicates(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	buildTestArchive(t, out)

	before, err := os.ReadFile(out)
	require.NoError(t, err)

	srcDir := t.TempDir()
	local := filepath.Join(srcDir, "report.txt")
	require.NoError(t, os.WriteFile(local, []byte("an impostor"), 0o644))

	added, skipped, err := AddFiles(context.Background(), out,
		[]AddSource{{Name: "notes/report.txt", Path: local}},
		BuildWithDatasetProvider(testProvider{}))
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, []string{"notes/report.txt"}, skipped)

	after, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a duplicate-only update must not change the archive")
}

func TestAddFilesFailureLeavesArchiveIntact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "study.csar")
	buildTestArchive(t, out)

	before, err := os.ReadFile(out)
	require.NoError(t, err)

	_, _, err = AddFiles(context.Background(), out,
		[]AddSource{{Name: "ghost.bin", Path: filepath.Join(dir, "does-not-exist")}})
	require.Error(t, err)

	after, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// No abandoned temp files next to the archive.
	leftovers, err := filepath.Glob(filepath.Join(dir, ".csar-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestStats(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	files := buildTestArchive(t, out)

	a, err := Open(out)
	require.NoError(t, err)
	defer a.Close()

	stats := a.Stats()
	total := 0
	var origBytes uint64
	for _, s := range stats {
		total += s.Entries
		origBytes += s.OrigBytes
	}
	assert.Equal(t, len(files), total)

	var wantOrig uint64
	for _, data := range files {
		wantOrig += uint64(len(data))
	}
	assert.Equal(t, wantOrig, origBytes)

	imgStats := stats[MethodPredictiveImage]
	assert.Equal(t, 1, imgStats.Entries)
}

func TestOpenWithoutProviderExtractsRawPlane(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	buildTestArchive(t, out)

	a, err := Open(out, WithDatasetProvider(nil))
	require.NoError(t, err)
	defer a.Close()

	got, err := a.ExtractFile("study/slice_001.dcm")
	require.NoError(t, err)

	// Without a provider the entry extracts as the bare pixel plane.
	want := makeImage(64, 64)[testHeaderSize:]
	assert.Equal(t, want, got)
}

func TestEntriesIterationOrder(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "study.csar")
	files := buildTestArchive(t, out)

	a, err := Open(out)
	require.NoError(t, err)
	defer a.Close()

	seen := make(map[string]struct{})
	var prevOffset uint64
	for e := range a.Entries() {
		_, dup := seen[e.Path]
		require.False(t, dup, "duplicate path %s", e.Path)
		seen[e.Path] = struct{}{}
		require.GreaterOrEqual(t, e.Offset, prevOffset)
		prevOffset = e.Offset
		_, known := files[e.Path]
		assert.True(t, known, e.Path)
	}
	assert.Len(t, seen, len(files))
}
