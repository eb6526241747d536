package dispatch

import (
	"bytes"
	"path"
	"strings"
)

// fileKind classifies an input for the compression policy.
type fileKind uint8

const (
	kindGeneric fileKind = iota
	kindDICOM
	kindJPEG
	kindPNG
	kindTIFF
	kindBMP
	kindZIP
	kindGzip
	kindMP4
	kindText
)

var (
	sigJPEG    = []byte{0xFF, 0xD8, 0xFF}
	sigPNG     = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	sigTIFFLE  = []byte{0x49, 0x49, 0x2A, 0x00}
	sigTIFFBE  = []byte{0x4D, 0x4D, 0x00, 0x2A}
	sigBMP     = []byte{0x42, 0x4D}
	sigZIP     = []byte{0x50, 0x4B, 0x03, 0x04}
	sigGzip    = []byte{0x1F, 0x8B}
	sigDICM    = []byte{'D', 'I', 'C', 'M'}
	sigFtyp    = []byte{'f', 't', 'y', 'p'}
	dicomMagic = 128 // preamble length before "DICM"
)

// sniff identifies a file from magic bytes alone.
func sniff(data []byte) (fileKind, bool) {
	switch {
	case len(data) >= dicomMagic+4 && bytes.Equal(data[dicomMagic:dicomMagic+4], sigDICM):
		return kindDICOM, true
	case bytes.HasPrefix(data, sigJPEG):
		return kindJPEG, true
	case bytes.HasPrefix(data, sigPNG):
		return kindPNG, true
	case bytes.HasPrefix(data, sigTIFFLE) || bytes.HasPrefix(data, sigTIFFBE):
		return kindTIFF, true
	case bytes.HasPrefix(data, sigBMP):
		return kindBMP, true
	case bytes.HasPrefix(data, sigZIP):
		return kindZIP, true
	case bytes.HasPrefix(data, sigGzip):
		return kindGzip, true
	case len(data) >= 12 && bytes.Equal(data[4:8], sigFtyp):
		return kindMP4, true
	default:
		return kindGeneric, false
	}
}

// textExts marks structured text worth the dual LZMA/DEFLATE pass.
var textExts = map[string]struct{}{
	".txt":  {},
	".log":  {},
	".csv":  {},
	".sql":  {},
	".py":   {},
	".go":   {},
	".c":    {},
	".h":    {},
	".js":   {},
	".json": {},
	".xml":  {},
	".yaml": {},
	".yml":  {},
	".md":   {},
	".html": {},
	".css":  {},
}

// extKinds maps known extensions for inputs whose magic didn't match.
var extKinds = map[string]fileKind{
	".dcm":   kindDICOM,
	".dicom": kindDICOM,
	".jpg":   kindJPEG,
	".jpeg":  kindJPEG,
	".png":   kindPNG,
	".tif":   kindTIFF,
	".tiff":  kindTIFF,
	".bmp":   kindBMP,
	".zip":   kindZIP,
	".gz":    kindGzip,
	".tgz":   kindGzip,
	".mp4":   kindMP4,
	".m4v":   kindMP4,
}

// classify resolves the file kind: magic sniff first, extension fallback.
func classify(name string, data []byte) fileKind {
	if kind, ok := sniff(data); ok {
		return kind
	}
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(name, "\\", "/")))
	if _, ok := textExts[ext]; ok {
		return kindText
	}
	if kind, ok := extKinds[ext]; ok {
		return kind
	}
	return kindGeneric
}
