package csar

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/medvault/csar/internal/dispatch"
	"github.com/medvault/csar/internal/format"
	"github.com/medvault/csar/internal/imagecodec"
)

// ExtractFile reads and decodes a single entry.
//
// The blob is read with one exact-length read at the entry's offset; a
// short read is fatal for the entry. Image entries are reconstructed
// into complete standalone files via the dataset provider; when
// reconstruction fails the raw little-endian pixel plane is returned
// instead, never nothing.
func (a *Archive) ExtractFile(path string) ([]byte, error) {
	i, ok := a.byPath[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	e := &a.entries[i]

	blob := make([]byte, e.CompSize)
	if n, err := a.file.ReadAt(blob, int64(e.Offset)); uint64(n) != e.CompSize {
		return nil, fmt.Errorf("%w: %s: %d of %d bytes: %v", ErrShortRead, path, n, e.CompSize, err)
	}

	decoded, err := dispatch.Decode(e.Method, blob, e.OrigSize, e.Rows, e.Cols)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if e.Method == format.MethodPredictiveImage {
		return a.reconstructImage(e, decoded), nil
	}
	return decoded, nil
}

// reconstructImage turns decoded plane bytes into a standalone image
// file. Every failure degrades to the plane bytes.
func (a *Archive) reconstructImage(e *format.Entry, planeBytes []byte) []byte {
	if a.provider == nil {
		return planeBytes
	}

	plane, err := imagecodec.Samples(planeBytes)
	if err != nil {
		a.log().Warn("pixel plane unreadable, returning raw bytes", "path", e.Path, "error", err)
		return planeBytes
	}

	var header []byte
	if e.Side != nil && len(e.Side.HeaderBlob) > 0 {
		header, err = dispatch.DecompressHeader(e.Side.HeaderBlob)
		if err != nil {
			a.log().Warn("stored header unreadable, synthesizing", "path", e.Path, "error", err)
			header = nil
		}
	}

	out, err := a.provider.Reconstruct(plane, int(e.Rows), int(e.Cols), header, e.Side)
	if err != nil {
		a.log().Warn("image reconstruction failed, returning raw plane", "path", e.Path, "error", err)
		return planeBytes
	}
	return out
}

// ExtractArchive extracts every entry under destDir, preserving
// archive-relative paths.
//
// Extraction is best-effort: one entry's failure is reported through
// the progress sink and logged, and extraction continues. The returned
// count is the number of entries fully written; on cancellation it
// reflects completed extractions only and files already written remain.
func (a *Archive) ExtractArchive(ctx context.Context, destDir string, opts ...ExtractOption) (int, error) {
	cfg := extractConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	concurrency := cfg.concurrency
	if concurrency < 1 {
		concurrency = defaultWorkers()
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, err
	}

	var (
		done      atomic.Int64
		completed atomic.Int64
		cancelled atomic.Bool
		mu        sync.Mutex // serializes progress callbacks
		wg        sync.WaitGroup
	)
	total := len(a.entries)

	report := func(ev ProgressEvent) {
		if cfg.progress == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		ev.FilesDone = int(done.Load())
		ev.FilesTotal = total
		if !cfg.progress(ev) {
			cancelled.Store(true)
		}
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	for i := range a.entries {
		if cancelled.Load() || ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		e := &a.entries[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			err := a.extractEntryTo(destDir, e)
			done.Add(1)
			if err != nil {
				a.log().Warn("entry extraction failed", "path", e.Path, "error", err)
				report(ProgressEvent{Stage: StageExtracting, Path: e.Path, Err: err})
				return
			}
			completed.Add(1)
			report(ProgressEvent{Stage: StageExtracting, Path: e.Path})
		}()
	}
	wg.Wait()

	count := int(completed.Load())
	if cancelled.Load() {
		return count, ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return count, err
	}
	return count, nil
}

// extractEntryTo writes one decoded entry under destDir using a temp
// file and rename.
func (a *Archive) extractEntryTo(destDir string, e *format.Entry) error {
	if !fs.ValidPath(e.Path) {
		return fmt.Errorf("%w: invalid entry path %q", format.ErrFormat, e.Path)
	}

	content, err := a.ExtractFile(e.Path)
	if err != nil {
		return err
	}

	target := filepath.Join(destDir, filepath.FromSlash(e.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".csar-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("renaming to destination: %w", err)
	}
	success = true
	return nil
}
