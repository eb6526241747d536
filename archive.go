// Package csar packs a directory tree into a single container file
// with file-type-aware compression and lossless predictive coding for
// 16-bit medical image planes. Entries are individually addressable:
// extraction seeks straight to an entry's blob without touching the
// rest of the archive, and new entries can be appended to an existing
// archive with a copy-then-swap update.
package csar

import (
	"encoding/binary"
	"fmt"
	"iter"
	"log/slog"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/medvault/csar/internal/dicomx"
	"github.com/medvault/csar/internal/dispatch"
	"github.com/medvault/csar/internal/format"
)

// Archive provides random access to the entries of a container file.
// An Archive is read-only; it is safe for concurrent use.
type Archive struct {
	file       *os.File
	size       int64
	dataEnd    uint64
	entries    []format.Entry
	byPath     map[string]int
	dataDigest string
	logger     *slog.Logger
	provider   dispatch.DatasetProvider
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Open opens an archive file and loads its index.
//
// The trailer is parsed first: the magic is validated, then the index
// length is used to seek backward to the index. A file without a valid
// trailer is not an archive, however much of one was written.
func Open(path string, opts ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	a := &Archive{file: f, provider: dicomx.Provider{}}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

// loadIndex parses the trailer, index, and header and validates the
// structural invariants of every entry.
func (a *Archive) loadIndex() error {
	info, err := a.file.Stat()
	if err != nil {
		return err
	}
	a.size = info.Size()
	if a.size < format.HeaderSize+format.TrailerSize {
		return fmt.Errorf("%w: file is %d bytes", format.ErrFormat, a.size)
	}

	trailer := make([]byte, format.TrailerSize)
	if _, err := a.file.ReadAt(trailer, a.size-format.TrailerSize); err != nil {
		return fmt.Errorf("read trailer: %w", err)
	}
	indexLen, err := format.DecodeTrailer(trailer)
	if err != nil {
		return err
	}

	maxIndex := uint64(a.size) - format.HeaderSize - format.TrailerSize
	if indexLen > maxIndex {
		return fmt.Errorf("%w: index length %d places index before header", format.ErrFormat, indexLen)
	}
	indexStart := uint64(a.size) - format.TrailerSize - indexLen

	header := make([]byte, format.HeaderSize)
	if _, err := a.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	a.dataEnd = binary.LittleEndian.Uint64(header)
	if a.dataEnd != indexStart {
		return fmt.Errorf("%w: data section ends at %d but index starts at %d", format.ErrFormat, a.dataEnd, indexStart)
	}

	indexData := make([]byte, indexLen)
	if _, err := a.file.ReadAt(indexData, int64(indexStart)); err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	entries, dataDigest, err := format.DecodeIndex(indexData)
	if err != nil {
		return err
	}

	byPath := make(map[string]int, len(entries))
	for i := range entries {
		if err := entries[i].Validate(a.dataEnd, uint64(a.size)); err != nil {
			return err
		}
		byPath[entries[i].Path] = i
	}

	a.entries = entries
	a.byPath = byPath
	a.dataDigest = dataDigest
	a.log().Debug("index loaded", "entries", len(entries), "data_end", a.dataEnd)
	return nil
}

// Close releases the underlying file handle.
func (a *Archive) Close() error {
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Len returns the number of entries in the archive.
func (a *Archive) Len() int {
	return len(a.entries)
}

// Entry returns the metadata record for the given archive path.
func (a *Archive) Entry(path string) (Entry, bool) {
	i, ok := a.byPath[path]
	if !ok {
		return Entry{}, false
	}
	return a.entries[i], true
}

// Entries returns an iterator over all entries in index order.
func (a *Archive) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for i := range a.entries {
			if !yield(a.entries[i]) {
				return
			}
		}
	}
}

// DataEnd returns the offset of the first byte past the data section.
func (a *Archive) DataEnd() uint64 {
	return a.dataEnd
}

// DataDigest returns the canonical digest of the data section recorded
// in the index. ok is false when no digest was recorded.
func (a *Archive) DataDigest() (string, bool) {
	return a.dataDigest, a.dataDigest != ""
}

// VerifyData re-hashes the data section and compares it against the
// recorded digest. It is a no-op when no digest was recorded. The data
// section can be large; this is never done during Open.
func (a *Archive) VerifyData() error {
	if a.dataDigest == "" {
		return nil
	}
	want, err := digest.Parse(a.dataDigest)
	if err != nil {
		return fmt.Errorf("%w: recorded digest: %v", format.ErrFormat, err)
	}

	digester := want.Algorithm().Digester()
	buf := make([]byte, 256<<10)
	var off int64 = format.HeaderSize
	remaining := int64(a.dataEnd) - format.HeaderSize
	for remaining > 0 {
		n := int64(len(buf))
		if n > remaining {
			n = remaining
		}
		if _, err := a.file.ReadAt(buf[:n], off); err != nil {
			return fmt.Errorf("read data section: %w", err)
		}
		if _, err := digester.Hash().Write(buf[:n]); err != nil {
			return err
		}
		off += n
		remaining -= n
	}

	if digester.Digest() != want {
		return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, want, digester.Digest())
	}
	return nil
}

// MethodStats summarizes the entries stored with one method.
type MethodStats struct {
	Entries     int
	OrigBytes   uint64
	StoredBytes uint64
}

// Stats returns per-method entry counts and byte totals.
func (a *Archive) Stats() map[Method]MethodStats {
	stats := make(map[Method]MethodStats)
	for i := range a.entries {
		e := &a.entries[i]
		s := stats[e.Method]
		s.Entries++
		s.OrigBytes += e.OrigSize
		s.StoredBytes += e.CompSize
		stats[e.Method] = s
	}
	return stats
}
