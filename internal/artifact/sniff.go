package artifact

import (
	"bytes"
	"fmt"
	"strings"
)

// Allowed upload content types and their canonical short names.
var allowedContentTypes = map[string]string{
	"image/png":                "png",
	"image/jpeg":               "jpeg",
	"application/pdf":          "pdf",
	"application/json":         "json",
	"text/plain":               "txt",
	"application/zip":          "zip",
	"video/mp4":                "mp4",
	"application/octet-stream": "bin",
}

// ContentTypeAllowed reports whether a declared content type may be uploaded.
func ContentTypeAllowed(contentType string) bool {
	_, ok := allowedContentTypes[normalizeContentType(contentType)]
	return ok
}

func normalizeContentType(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// SniffError is a deterministic content failure; the artifact blocks.
type SniffError struct {
	Reason string
}

func (e *SniffError) Error() string { return e.Reason }

// Sniff verifies the leading bytes match the declared content type. head
// holds at least the first 512 bytes of the object (or the whole object when
// shorter). Types without a reliable signature get only an emptiness check.
func Sniff(contentType string, head []byte) error {
	normalized := normalizeContentType(contentType)
	short, ok := allowedContentTypes[normalized]
	if !ok {
		return &SniffError{Reason: "blocked_content_type"}
	}
	if len(head) == 0 {
		return &SniffError{Reason: "empty_file"}
	}
	mismatch := func() error {
		return &SniffError{Reason: fmt.Sprintf("content_type_mismatch_%s", short)}
	}
	switch short {
	case "png":
		if !bytes.HasPrefix(head, []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}) {
			return mismatch()
		}
	case "jpeg":
		if !bytes.HasPrefix(head, []byte{0xff, 0xd8, 0xff}) {
			return mismatch()
		}
	case "pdf":
		if !bytes.HasPrefix(head, []byte("%PDF-")) {
			return mismatch()
		}
	case "zip":
		if !bytes.HasPrefix(head, []byte{'P', 'K'}) {
			return mismatch()
		}
	case "mp4":
		// ftyp box at offset 4.
		if len(head) < 12 || !bytes.Equal(head[4:8], []byte("ftyp")) {
			return mismatch()
		}
	case "json":
		trimmed := bytes.TrimLeft(head, " \t\r\n")
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[' && trimmed[0] != '"') {
			return mismatch()
		}
	case "txt", "bin":
		// No signature to check.
	}
	return nil
}
