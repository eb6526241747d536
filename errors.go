package csar

import (
	"errors"

	"github.com/medvault/csar/internal/dispatch"
	"github.com/medvault/csar/internal/format"
)

// Errors re-exported from internal packages.
var (
	// ErrFormat is returned when an archive fails structural validation:
	// bad magic, truncated trailer, or an index that does not fit the
	// file. Fatal for the archive; no partial index is ever returned.
	ErrFormat = format.ErrFormat

	// ErrCodec is returned when a stored blob cannot be decoded.
	// Fatal for that entry only.
	ErrCodec = dispatch.ErrCodec
)

// Errors specific to the csar package.
var (
	// ErrShortRead is returned when an entry's blob could not be read in
	// full. Fatal for that entry only.
	ErrShortRead = errors.New("csar: short read")

	// ErrNotFound is returned when a path has no entry in the archive.
	ErrNotFound = errors.New("csar: entry not found")

	// ErrDuplicateEntry reports an add-files path collision. The entry
	// is skipped; existing bytes are never overwritten.
	ErrDuplicateEntry = errors.New("csar: duplicate entry")

	// ErrCancelled is returned when a progress sink or context stopped
	// an operation between files.
	ErrCancelled = errors.New("csar: operation cancelled")

	// ErrDigestMismatch is returned by VerifyData when the data section
	// does not match the digest recorded in the index.
	ErrDigestMismatch = errors.New("csar: data section digest mismatch")
)
