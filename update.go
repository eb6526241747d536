package csar

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/medvault/csar/internal/dispatch"
	"github.com/medvault/csar/internal/format"
)

// AddSource names one file to append: Name is the archive-relative
// forward-slash path to store it under, Path the file to read.
type AddSource struct {
	Name string
	Path string
}

// AddFiles appends new entries to an existing archive.
//
// Already-stored compressed bytes are never touched: the existing data
// section is copied verbatim into a temporary file, new blobs are
// appended after it, and a merged index and trailer are written. The
// original archive is replaced by a rename only once the temporary
// file is complete; on any failure the temporary file is deleted and
// the original is left byte-for-byte unchanged.
//
// A source whose Name is already present is skipped and reported, not
// overwritten. AddFiles returns the number of entries appended and the
// names skipped as duplicates.
func AddFiles(ctx context.Context, archivePath string, files []AddSource, opts ...BuildOption) (added int, skipped []string, err error) {
	cfg := newBuildConfig(opts)
	u := &updater{cfg: cfg}

	src, err := Open(archivePath, WithLogger(cfg.logger))
	if err != nil {
		return 0, nil, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".csar-")
	if err != nil {
		return 0, nil, err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	entries, dataEnd, dataDigest, added, skipped, err := u.writeMerged(ctx, src, tmp, files)
	if err != nil {
		return 0, nil, err
	}

	if err := finishArchive(tmp, entries, dataEnd, dataDigest); err != nil {
		return 0, nil, err
	}
	if err := tmp.Close(); err != nil {
		return 0, nil, err
	}
	if err := src.Close(); err != nil {
		return 0, nil, err
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		return 0, nil, err
	}
	success = true
	u.log().Info("archive updated", "path", archivePath, "added", added, "skipped", len(skipped))
	return added, skipped, nil
}

// updater holds per-update state.
type updater struct {
	cfg buildConfig
}

// log returns the logger, falling back to a discard logger if nil.
func (u *updater) log() *slog.Logger {
	if u.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return u.cfg.logger
}

// report sends a progress event and reports whether to continue.
func (u *updater) report(ev ProgressEvent) bool {
	if u.cfg.progress == nil {
		return true
	}
	return u.cfg.progress(ev)
}

// writeMerged copies the existing data section into tmp and appends
// the new files after it. Existing entries keep their offsets because
// the copied region starts at the same base offset.
func (u *updater) writeMerged(ctx context.Context, src *Archive, tmp *os.File, files []AddSource) (entries []format.Entry, dataEnd uint64, dataDigest string, added int, skipped []string, err error) {
	if _, err := tmp.Write(make([]byte, format.HeaderSize)); err != nil {
		return nil, 0, "", 0, nil, fmt.Errorf("write header: %w", err)
	}

	digester := digest.Canonical.Digester()
	dataW := io.Writer(tmp)
	if !u.cfg.noDigest {
		dataW = io.MultiWriter(tmp, digester.Hash())
	}

	section := io.NewSectionReader(src.file, format.HeaderSize, int64(src.dataEnd)-format.HeaderSize)
	if _, err := io.Copy(dataW, section); err != nil {
		return nil, 0, "", 0, nil, fmt.Errorf("copy data section: %w", err)
	}

	entries = make([]format.Entry, len(src.entries))
	copy(entries, src.entries)
	known := make(map[string]struct{}, len(entries))
	for i := range entries {
		known[entries[i].Path] = struct{}{}
	}

	disp := dispatch.New(dispatch.WithProvider(u.cfg.provider), dispatch.WithLogger(u.cfg.logger))
	offset := src.dataEnd

	for i, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, 0, "", 0, nil, err
		}

		if _, dup := known[file.Name]; dup {
			u.log().Info("skipping duplicate entry", "name", file.Name)
			skipped = append(skipped, file.Name)
			if !u.report(ProgressEvent{
				Stage: StageAppending, Path: file.Name,
				FilesDone: i + 1, FilesTotal: len(files),
				Err: fmt.Errorf("%w: %s", ErrDuplicateEntry, file.Name),
			}) {
				return nil, 0, "", 0, nil, ErrCancelled
			}
			continue
		}

		raw, err := os.ReadFile(file.Path)
		if err != nil {
			return nil, 0, "", 0, nil, fmt.Errorf("read %s: %w", file.Path, err)
		}
		res := disp.Compress(file.Name, raw)
		if _, err := dataW.Write(res.Blob); err != nil {
			return nil, 0, "", 0, nil, fmt.Errorf("write blob for %s: %w", file.Name, err)
		}

		entries = append(entries, format.Entry{
			Path:     file.Name,
			Method:   res.Method,
			OrigSize: res.OrigSize,
			CompSize: uint64(len(res.Blob)),
			Offset:   offset,
			Rows:     res.Rows,
			Cols:     res.Cols,
			Side:     res.Side,
		})
		offset += uint64(len(res.Blob))
		known[file.Name] = struct{}{}
		added++

		if !u.report(ProgressEvent{Stage: StageAppending, Path: file.Name, FilesDone: i + 1, FilesTotal: len(files)}) {
			return nil, 0, "", 0, nil, ErrCancelled
		}
	}

	if !u.cfg.noDigest {
		dataDigest = digester.Digest().String()
	}
	return entries, offset, dataDigest, added, skipped, nil
}
