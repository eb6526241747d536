package dispatch

import (
	"github.com/medvault/csar/internal/format"
)

// Dataset is one parsed medical image dataset.
type Dataset interface {
	// PixelPlane returns the unsigned 16-bit pixel plane in row-major
	// order together with its shape.
	PixelPlane() (plane []uint16, rows, cols int, err error)

	// SerializeHeader returns the dataset serialized with pixel data
	// stripped, suitable for full-fidelity reconstruction later.
	SerializeHeader() ([]byte, error)

	// DisplayScalars returns window/rescale attributes when present.
	// Only the scalar fields of the returned record are populated.
	DisplayScalars() format.SideMeta
}

// DatasetProvider parses and rebuilds medical image datasets. The
// archive engine never interprets dataset internals itself; a nil
// provider downgrades image files to generic binary handling.
type DatasetProvider interface {
	// Parse builds a Dataset from raw file bytes.
	Parse(data []byte) (Dataset, error)

	// Reconstruct serializes a complete image file from a pixel plane,
	// the optional stripped header, and display scalars. Implementations
	// synthesize minimal required identifiers when header is nil.
	Reconstruct(plane []uint16, rows, cols int, header []byte, side *format.SideMeta) ([]byte, error)
}
