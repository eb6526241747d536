package csar

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/medvault/csar/internal/dicomx"
	"github.com/medvault/csar/internal/dispatch"
	"github.com/medvault/csar/internal/format"
)

// defaultWorkers returns the default pool size for build and extract.
func defaultWorkers() int {
	return runtime.GOMAXPROCS(0)
}

// newBuildConfig applies options and defaults.
func newBuildConfig(opts []BuildOption) buildConfig {
	cfg := buildConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = defaultWorkers()
	}
	if !cfg.providerSet {
		cfg.provider = dicomx.Provider{}
	}
	return cfg
}

// buildResult carries one worker's outcome to the committer.
type buildResult struct {
	path    string
	res     dispatch.Result
	readErr error
}

// Build packs the files under dir into a new archive at outPath.
//
// Files are compressed concurrently across a bounded worker pool; a
// single committer owns the output stream and the index, so completion
// order need not match input order. If two results target the same
// path the last one committed wins.
//
// A per-file compression failure is reported through the progress sink
// and the file is stored verbatim; only a failure writing to outPath
// aborts the build. On cancellation (context or progress sink) the
// build stops between files and no trailer is written: the output is
// not a valid archive and Open will reject it.
//
// Build returns the number of entries committed.
func Build(ctx context.Context, dir, outPath string, opts ...BuildOption) (int, error) {
	cfg := newBuildConfig(opts)
	b := &builder{cfg: cfg}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return 0, err
	}
	defer root.Close()

	b.report(ProgressEvent{Stage: StageEnumerating})
	paths, err := enumerate(root)
	if err != nil {
		return 0, err
	}
	b.log().Info("building archive", "dir", dir, "out", outPath, "files", len(paths), "workers", cfg.workers)

	out, err := os.Create(outPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()
	if _, err := out.Write(make([]byte, format.HeaderSize)); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	entries, dataEnd, dataDigest, err := b.writeData(ctx, root, out, paths)
	if err != nil {
		return 0, err
	}

	if err := finishArchive(out, entries, dataEnd, dataDigest); err != nil {
		return 0, err
	}
	b.log().Info("archive built", "entries", len(entries), "data_end", dataEnd)
	return len(entries), nil
}

// builder holds per-build state.
type builder struct {
	cfg       buildConfig
	mu        sync.Mutex // serializes progress callbacks
	cancelled bool
}

// log returns the logger, falling back to a discard logger if nil.
func (b *builder) log() *slog.Logger {
	if b.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.cfg.logger
}

// report sends a progress event; a false return latches cancellation.
func (b *builder) report(ev ProgressEvent) {
	if b.cfg.progress == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.progress(ev) {
		b.cancelled = true
	}
}

func (b *builder) isCancelled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled
}

// enumerate collects the relative paths of all regular files under root.
func enumerate(root *os.Root) ([]string, error) {
	var paths []string
	err := fs.WalkDir(root.FS(), ".", func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// writeData compresses all paths and streams the blobs to out. Workers
// only read their own input file; the committer loop below is the only
// goroutine that touches out or the index.
func (b *builder) writeData(ctx context.Context, root *os.Root, out *os.File, paths []string) (entries []format.Entry, dataEnd uint64, dataDigest string, err error) {
	disp := dispatch.New(dispatch.WithProvider(b.cfg.provider), dispatch.WithLogger(b.cfg.logger))

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan string)
	results := make(chan buildResult)

	var g errgroup.Group
	for range b.cfg.workers {
		g.Go(func() error {
			for path := range jobs {
				res := b.compressOne(root, disp, path)
				select {
				case results <- res:
				case <-workCtx.Done():
					return nil
				}
			}
			return nil
		})
	}
	go func() {
		defer close(jobs)
		for _, path := range paths {
			select {
			case jobs <- path:
			case <-workCtx.Done():
				return
			}
		}
	}()
	go func() {
		g.Wait() //nolint:errcheck // workers only return nil
		close(results)
	}()

	digester := digest.Canonical.Digester()
	dataW := io.Writer(out)
	if !b.cfg.noDigest {
		dataW = io.MultiWriter(out, digester.Hash())
	}

	var (
		offset   = uint64(format.HeaderSize)
		byPath   = make(map[string]int)
		done     int
		writeErr error
	)
	for res := range results {
		done++
		switch {
		case writeErr != nil || b.isCancelled() || ctx.Err() != nil:
			// Draining so the workers can exit; cancel stops them from
			// compressing files whose results would be discarded anyway.
			cancel()
			continue
		case res.readErr != nil:
			b.log().Warn("skipping unreadable file", "path", res.path, "error", res.readErr)
			b.report(ProgressEvent{Stage: StageCompressing, Path: res.path, FilesDone: done, FilesTotal: len(paths), Err: res.readErr})
			continue
		}

		if _, err := dataW.Write(res.res.Blob); err != nil {
			// Destination failure is fatal for the whole build.
			writeErr = fmt.Errorf("write blob for %s: %w", res.path, err)
			cancel()
			continue
		}

		entry := format.Entry{
			Path:     res.path,
			Method:   res.res.Method,
			OrigSize: res.res.OrigSize,
			CompSize: uint64(len(res.res.Blob)),
			Offset:   offset,
			Rows:     res.res.Rows,
			Cols:     res.res.Cols,
			Side:     res.res.Side,
		}
		offset += entry.CompSize

		if i, ok := byPath[res.path]; ok {
			// Same path committed twice: last committed wins, the old
			// blob stays as unreferenced bytes.
			entries[i] = entry
		} else {
			byPath[res.path] = len(entries)
			entries = append(entries, entry)
		}

		b.report(ProgressEvent{Stage: StageCompressing, Path: res.path, FilesDone: done, FilesTotal: len(paths)})
		if b.isCancelled() {
			cancel()
		}
	}

	switch {
	case writeErr != nil:
		return nil, 0, "", writeErr
	case b.isCancelled():
		return nil, 0, "", ErrCancelled
	case ctx.Err() != nil:
		return nil, 0, "", ctx.Err()
	}

	dataDigest = ""
	if !b.cfg.noDigest {
		dataDigest = digester.Digest().String()
	}
	return entries, offset, dataDigest, nil
}

// compressOne reads and compresses a single file, honoring the
// optional per-file timeout.
func (b *builder) compressOne(root *os.Root, disp *dispatch.Dispatcher, path string) buildResult {
	f, err := root.Open(path)
	if err != nil {
		return buildResult{path: path, readErr: err}
	}
	raw, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return buildResult{path: path, readErr: err}
	}

	if b.cfg.fileTimeout <= 0 {
		return buildResult{path: path, res: disp.Compress(path, raw)}
	}

	ch := make(chan dispatch.Result, 1)
	go func() {
		ch <- disp.Compress(path, raw)
	}()
	timer := time.NewTimer(b.cfg.fileTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return buildResult{path: path, res: res}
	case <-timer.C:
		b.log().Warn("compression timed out, storing verbatim", "path", path, "timeout", b.cfg.fileTimeout)
		return buildResult{path: path, res: dispatch.Result{
			Blob:     raw,
			Method:   format.MethodStore,
			OrigSize: uint64(len(raw)),
		}}
	}
}

// finishArchive appends the index and trailer and patches the header
// with the true data-section end.
func finishArchive(out *os.File, entries []format.Entry, dataEnd uint64, dataDigest string) error {
	indexData, err := format.EncodeIndex(entries, dataDigest)
	if err != nil {
		return err
	}
	if _, err := out.Write(indexData); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if _, err := out.Write(format.EncodeTrailer(uint64(len(indexData)))); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}

	header := make([]byte, format.HeaderSize)
	binary.LittleEndian.PutUint64(header, dataEnd)
	if _, err := out.WriteAt(header, 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return out.Sync()
}
