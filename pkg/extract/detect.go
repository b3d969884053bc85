package extract

import (
	"archive/zip"
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/classmind/kbengine/pkg/errdefs"
)

// MIME types accepted by the processor.
const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MimeTXT  = "text/plain"
	MimeMD   = "text/markdown"
	MimePNG  = "image/png"
	MimeJPEG = "image/jpeg"
	MimeTIFF = "image/tiff"
	MimeGIF  = "image/gif"
	MimeBMP  = "image/bmp"
)

// SupportedTypes is the MIME allowlist for uploads.
var SupportedTypes = map[string]bool{
	MimePDF:  true,
	MimeDOCX: true,
	MimeXLSX: true,
	MimeTXT:  true,
	MimeMD:   true,
	MimePNG:  true,
	MimeJPEG: true,
	MimeTIFF: true,
	MimeGIF:  true,
	MimeBMP:  true,
}

var signatures = []struct {
	mime   string
	prefix []byte
}{
	{MimePDF, []byte("%PDF")},
	{MimePNG, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	{MimeJPEG, []byte{0xFF, 0xD8, 0xFF}},
	{MimeTIFF, []byte{'I', 'I', 0x2A, 0x00}},
	{MimeTIFF, []byte{'M', 'M', 0x00, 0x2A}},
	{MimeGIF, []byte("GIF87a")},
	{MimeGIF, []byte("GIF89a")},
	{MimeBMP, []byte{'B', 'M'}},
}

// DetectType sniffs the real MIME type from magic bytes. ZIP containers
// are opened to tell OOXML subtypes apart. Data that matches no signature
// but decodes as UTF-8 is reported as text/plain; anything else returns
// an empty string.
func DetectType(data []byte) string {
	for _, sig := range signatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.mime
		}
	}

	if bytes.HasPrefix(data, []byte{'P', 'K', 0x03, 0x04}) {
		return detectOOXML(data)
	}

	if utf8.Valid(data) {
		return MimeTXT
	}
	return ""
}

// detectOOXML inspects a ZIP container for the OOXML part that names the
// subtype. An unrecognized ZIP is reported as a plain ZIP and rejected
// upstream by the allowlist.
func detectOOXML(data []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "application/zip"
	}
	for _, f := range zr.File {
		switch {
		case strings.HasPrefix(f.Name, "word/"):
			return MimeDOCX
		case strings.HasPrefix(f.Name, "xl/"):
			return MimeXLSX
		}
	}
	return "application/zip"
}

// ValidateType checks the claimed MIME against magic-byte detection.
// Markdown claims validate as text. A mismatch fails with TypeMismatch,
// an unknown claim with UnsupportedType.
func ValidateType(data []byte, claimed string) error {
	claimed = NormalizeMime(claimed)
	if !SupportedTypes[claimed] {
		return errdefs.E(errdefs.KindUnsupportedType, "unsupported type %q", claimed)
	}

	detected := DetectType(data)

	// Markdown is plain text on the wire
	want := claimed
	if want == MimeMD {
		want = MimeTXT
	}

	if detected != want {
		return errdefs.E(errdefs.KindTypeMismatch,
			"claimed %q but detected %q", claimed, detected)
	}
	return nil
}

// NormalizeMime strips parameters such as charset and lowercases the
// type. The normalized form is what document rows store.
func NormalizeMime(mime string) string {
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(strings.ToLower(mime))
}
