package csar

// ProgressEvent represents a progress update during build, extraction,
// or append operations. Recoverable per-file failures are reported as
// events with Err set; the operation then continues.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Path is the entry currently being processed, if applicable.
	Path string

	// Message carries stage transitions and failure reasons.
	Message string

	// FilesDone is the number of files completed so far.
	FilesDone int

	// FilesTotal is the total number of files in the operation.
	FilesTotal int

	// Err is the recoverable failure being reported, if any.
	Err error
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

const (
	// StageEnumerating indicates the operation is walking the directory tree.
	StageEnumerating ProgressStage = iota

	// StageCompressing indicates files are being compressed and committed.
	StageCompressing

	// StageExtracting indicates entries are being extracted.
	StageExtracting

	// StageAppending indicates new entries are being appended to a copy
	// of an existing archive.
	StageAppending
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageEnumerating:
		return "enumerating"
	case StageCompressing:
		return "compressing"
	case StageExtracting:
		return "extracting"
	case StageAppending:
		return "appending"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates. Returning false requests
// cancellation; the operation stops at the next file boundary.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent) bool
