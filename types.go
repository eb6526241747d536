package csar

import (
	"github.com/medvault/csar/internal/format"
)

// Re-export types from internal/format for the public API.
type (
	// Entry is one archived file's metadata record.
	Entry = format.Entry

	// Method identifies the compression strategy applied to an entry.
	Method = format.Method

	// SideMeta holds display scalars and the compressed header blob of
	// an image entry.
	SideMeta = format.SideMeta
)

// Re-export method codes.
const (
	MethodPredictiveImage  = format.MethodPredictiveImage
	MethodTextLZMA         = format.MethodTextLZMA
	MethodDeflate          = format.MethodDeflate
	MethodStore            = format.MethodStore
	MethodLegacyFold       = format.MethodLegacyFold
	MethodPassthroughJPEG  = format.MethodPassthroughJPEG
	MethodPassthroughPNG   = format.MethodPassthroughPNG
	MethodPassthroughTIFF  = format.MethodPassthroughTIFF
	MethodPassthroughBMP   = format.MethodPassthroughBMP
	MethodPassthroughMedia = format.MethodPassthroughMedia
)

// Layout constants.
const (
	// HeaderSize is the fixed archive header size in bytes.
	HeaderSize = format.HeaderSize

	// TrailerSize is the fixed archive trailer size in bytes.
	TrailerSize = format.TrailerSize

	// Magic marks the end of a fully written archive.
	Magic = format.Magic
)
