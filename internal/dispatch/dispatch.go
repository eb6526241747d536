// Package dispatch classifies files and selects a compression strategy
// per type. Compression never fails a file: every error path degrades
// to verbatim storage so a batch can continue. Decoding is a pure
// function of (method, blob, rows, cols); the method code alone
// selects the decode path.
package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/medvault/csar/internal/format"
	"github.com/medvault/csar/internal/imagecodec"
)

// Acceptance thresholds per file type.
const (
	// genericMaxRatio rejects generic DEFLATE unless the result is
	// below 95% of the original; dense data often expands.
	genericMaxRatio = 0.95

	// tiffMaxRatio requires at least a 10% reduction before recoding a TIFF.
	tiffMaxRatio = 0.90
)

// Stream kinds inside a PredictiveImage blob.
const (
	streamRawPlane  = 0
	streamResiduals = 1
)

// Result is the outcome of compressing one file.
type Result struct {
	Blob     []byte
	Method   format.Method
	OrigSize uint64
	Rows     uint32
	Cols     uint32
	Side     *format.SideMeta
}

// Dispatcher selects and executes compression strategies.
type Dispatcher struct {
	provider DatasetProvider
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProvider sets the dataset provider used for medical images.
func WithProvider(p DatasetProvider) Option {
	return func(d *Dispatcher) {
		d.provider = p
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// log returns the logger, falling back to a discard logger if nil.
func (d *Dispatcher) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// Compress classifies raw and produces the stored blob for it.
//
// Compress does not return an error: a failing strategy falls back to
// verbatim storage and the reason is logged. Identical input bytes and
// name always produce the same result.
func (d *Dispatcher) Compress(name string, raw []byte) Result {
	store := Result{Blob: raw, Method: format.MethodStore, OrigSize: uint64(len(raw))}

	switch classify(name, raw) {
	case kindDICOM:
		if d.provider == nil {
			return d.compressGeneric(name, raw)
		}
		res, err := d.compressImage(raw)
		if err != nil {
			d.log().Warn("image compression failed, storing verbatim", "path", name, "error", err)
			return store
		}
		return res

	case kindJPEG:
		store.Method = format.MethodPassthroughJPEG
		return store
	case kindMP4:
		store.Method = format.MethodPassthroughMedia
		return store
	case kindZIP, kindGzip:
		return store

	case kindPNG:
		return d.recodeOrPassthrough(name, raw, format.MethodPassthroughPNG, 1.0)
	case kindBMP:
		return d.recodeOrPassthrough(name, raw, format.MethodPassthroughBMP, 1.0)
	case kindTIFF:
		return d.recodeOrPassthrough(name, raw, format.MethodPassthroughTIFF, tiffMaxRatio)

	case kindText:
		return d.compressText(name, raw)

	default:
		return d.compressGeneric(name, raw)
	}
}

// compressGeneric runs the default binary policy: DEFLATE, accepted
// only when it saves more than the overhead threshold.
func (d *Dispatcher) compressGeneric(name string, raw []byte) Result {
	store := Result{Blob: raw, Method: format.MethodStore, OrigSize: uint64(len(raw))}
	comp, err := deflateCompress(raw)
	if err != nil {
		d.log().Warn("deflate failed, storing verbatim", "path", name, "error", err)
		return store
	}
	if float64(len(comp)) < float64(len(raw))*genericMaxRatio {
		return Result{Blob: comp, Method: format.MethodDeflate, OrigSize: uint64(len(raw))}
	}
	return store
}

// recodeOrPassthrough applies the image-container policy: accept a
// DEFLATE pass only when it beats maxRatio, else keep the original
// bytes under the per-format passthrough code.
func (d *Dispatcher) recodeOrPassthrough(name string, raw []byte, passthrough format.Method, maxRatio float64) Result {
	pass := Result{Blob: raw, Method: passthrough, OrigSize: uint64(len(raw))}
	comp, err := deflateCompress(raw)
	if err != nil {
		d.log().Warn("deflate failed, passing through", "path", name, "error", err)
		return pass
	}
	if len(raw) > 0 && float64(len(comp)) < float64(len(raw))*maxRatio {
		return Result{Blob: comp, Method: format.MethodDeflate, OrigSize: uint64(len(raw))}
	}
	return pass
}

// compressText runs both a large-dictionary LZMA pass and a DEFLATE
// pass and keeps the smaller. LZMA's window usually wins on redundant
// text; DEFLATE is competitive on short files.
func (d *Dispatcher) compressText(name string, raw []byte) Result {
	deflated, derr := deflateCompress(raw)
	lzma, lerr := lzmaCompress(raw)
	switch {
	case derr == nil && lerr == nil:
		if len(lzma) < len(deflated) {
			return Result{Blob: lzma, Method: format.MethodTextLZMA, OrigSize: uint64(len(raw))}
		}
		return Result{Blob: deflated, Method: format.MethodDeflate, OrigSize: uint64(len(raw))}
	case lerr == nil:
		return Result{Blob: lzma, Method: format.MethodTextLZMA, OrigSize: uint64(len(raw))}
	case derr == nil:
		return Result{Blob: deflated, Method: format.MethodDeflate, OrigSize: uint64(len(raw))}
	default:
		d.log().Warn("text compression failed, storing verbatim", "path", name, "lzma_error", lerr, "deflate_error", derr)
		return Result{Blob: raw, Method: format.MethodStore, OrigSize: uint64(len(raw))}
	}
}

// compressImage runs the predictive codec over a parsed dataset.
//
// Both the residual stream and the raw plane are compressed and the
// smaller wins; prediction can raise entropy on noise-dominated
// planes. A predictor failure degrades to the raw plane rather than
// failing the file.
func (d *Dispatcher) compressImage(raw []byte) (Result, error) {
	ds, err := d.provider.Parse(raw)
	if err != nil {
		return Result{}, fmt.Errorf("parse dataset: %w", err)
	}
	plane, rows, cols, err := ds.PixelPlane()
	if err != nil {
		return Result{}, fmt.Errorf("extract pixel plane: %w", err)
	}

	rawBytes := imagecodec.Bytes(plane)
	kind := byte(streamRawPlane)
	payload := rawBytes

	if residuals, rerr := forwardSafe(plane, rows, cols); rerr == nil {
		resBytes := imagecodec.Bytes(residuals)
		compRes, e1 := deflateCompress(resBytes)
		compRaw, e2 := deflateCompress(rawBytes)
		if e1 != nil || e2 != nil {
			return Result{}, fmt.Errorf("compress plane: %w", firstErr(e1, e2))
		}
		if len(compRes) < len(compRaw) {
			kind, payload = streamResiduals, compRes
		} else {
			payload = compRaw
		}
	} else {
		d.log().Warn("prediction failed, compressing raw plane", "error", rerr)
		var cerr error
		payload, cerr = deflateCompress(rawBytes)
		if cerr != nil {
			return Result{}, fmt.Errorf("compress plane: %w", cerr)
		}
	}

	blob := make([]byte, 0, len(payload)+1)
	blob = append(blob, kind)
	blob = append(blob, payload...)

	side := ds.DisplayScalars()
	if header, herr := ds.SerializeHeader(); herr != nil {
		d.log().Warn("header serialization failed, storing scalars only", "error", herr)
	} else if compHeader, cerr := CompressHeader(header); cerr != nil {
		d.log().Warn("header compression failed, storing scalars only", "error", cerr)
	} else {
		side.HeaderBlob = compHeader
	}

	return Result{
		Blob:     blob,
		Method:   format.MethodPredictiveImage,
		OrigSize: uint64(len(raw)),
		Rows:     uint32(rows),
		Cols:     uint32(cols),
		Side:     &side,
	}, nil
}

// forwardSafe shields the committer from predictor panics; any panic
// is converted into an error and the caller falls back to the raw plane.
func forwardSafe(plane []uint16, rows, cols int) (residuals []uint16, err error) {
	defer func() {
		if r := recover(); r != nil {
			residuals = nil
			err = fmt.Errorf("predictor panic: %v", r)
		}
	}()
	return imagecodec.Forward(plane, rows, cols)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
