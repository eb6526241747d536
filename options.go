package csar

import (
	"log/slog"
	"time"

	"github.com/medvault/csar/internal/dispatch"
)

// Option configures an Archive opened with Open.
type Option func(*Archive)

// WithLogger sets the logger for archive operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithDatasetProvider sets the provider used to rebuild image files
// during extraction. Pass nil to disable reconstruction; image entries
// then extract as raw pixel planes.
func WithDatasetProvider(p dispatch.DatasetProvider) Option {
	return func(a *Archive) {
		a.provider = p
	}
}

// buildConfig holds settings shared by Build and AddFiles.
type buildConfig struct {
	workers     int
	progress    ProgressFunc
	logger      *slog.Logger
	provider    dispatch.DatasetProvider
	providerSet bool
	fileTimeout time.Duration
	noDigest    bool
}

// BuildOption configures Build and AddFiles.
type BuildOption func(*buildConfig)

// BuildWithWorkers sets the number of concurrent compression workers.
// Values < 1 select one worker per CPU.
func BuildWithWorkers(n int) BuildOption {
	return func(cfg *buildConfig) {
		cfg.workers = n
	}
}

// BuildWithProgress sets the progress sink. Returning false from the
// sink cancels the operation at the next file boundary.
func BuildWithProgress(fn ProgressFunc) BuildOption {
	return func(cfg *buildConfig) {
		cfg.progress = fn
	}
}

// BuildWithLogger sets the logger. If not set, logging is disabled.
func BuildWithLogger(logger *slog.Logger) BuildOption {
	return func(cfg *buildConfig) {
		cfg.logger = logger
	}
}

// BuildWithDatasetProvider sets the provider used to parse image
// datasets. Pass nil to treat image files as generic binaries.
func BuildWithDatasetProvider(p dispatch.DatasetProvider) BuildOption {
	return func(cfg *buildConfig) {
		cfg.provider = p
		cfg.providerSet = true
	}
}

// BuildWithFileTimeout bounds the compression time of a single file.
// A file exceeding the budget is committed verbatim instead of
// blocking the batch; the abandoned compression attempt keeps running
// in the background until it finishes on its own and its result is
// discarded. Zero disables the timeout.
func BuildWithFileTimeout(d time.Duration) BuildOption {
	return func(cfg *buildConfig) {
		cfg.fileTimeout = d
	}
}

// BuildWithoutDigest skips recording the data-section digest in the index.
func BuildWithoutDigest() BuildOption {
	return func(cfg *buildConfig) {
		cfg.noDigest = true
	}
}

// extractConfig holds settings for ExtractArchive.
type extractConfig struct {
	progress    ProgressFunc
	concurrency int
}

// ExtractOption configures ExtractArchive.
type ExtractOption func(*extractConfig)

// ExtractWithProgress sets the progress sink. Returning false from the
// sink cancels extraction at the next file boundary; files already
// written remain.
func ExtractWithProgress(fn ProgressFunc) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.progress = fn
	}
}

// ExtractWithConcurrency sets the number of entries extracted in
// parallel. Entries are independent offset regions, so concurrent
// reads are safe. Values < 1 select one worker per CPU.
func ExtractWithConcurrency(n int) ExtractOption {
	return func(cfg *extractConfig) {
		cfg.concurrency = n
	}
}
