package artifact

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

func sniffReason(t *testing.T, err error) string {
	t.Helper()
	var se *SniffError
	require.True(t, errors.As(err, &se), "expected SniffError, got %v", err)
	return se.Reason
}

func TestSniffAcceptsMatchingSignatures(t *testing.T) {
	cases := map[string][]byte{
		"image/png":                append(append([]byte{}, pngMagic...), 'x'),
		"image/jpeg":               {0xff, 0xd8, 0xff, 0xe0},
		"application/pdf":          []byte("%PDF-1.7 ..."),
		"application/zip":          []byte("PK\x03\x04"),
		"video/mp4":                append([]byte{0, 0, 0, 0x18}, []byte("ftypmp42")...),
		"application/json":         []byte("  {\"observed\": \"$24.99\"}"),
		"text/plain":               []byte("anything goes"),
		"application/octet-stream": {0xde, 0xad, 0xbe, 0xef},
	}
	for contentType, head := range cases {
		require.NoError(t, Sniff(contentType, head), contentType)
	}
}

func TestSniffBlocksMismatchedMagic(t *testing.T) {
	// A GIF declared as a PNG is the canonical spoof.
	err := Sniff("image/png", []byte("GIF89a......"))
	require.Equal(t, "content_type_mismatch_png", sniffReason(t, err))

	err = Sniff("image/jpeg", pngMagic)
	require.Equal(t, "content_type_mismatch_jpeg", sniffReason(t, err))

	err = Sniff("application/pdf", []byte("<html>"))
	require.Equal(t, "content_type_mismatch_pdf", sniffReason(t, err))

	err = Sniff("application/json", []byte("not json"))
	require.Equal(t, "content_type_mismatch_json", sniffReason(t, err))
}

func TestSniffBlocksDisallowedAndEmpty(t *testing.T) {
	err := Sniff("text/html", []byte("<html>"))
	require.Equal(t, "blocked_content_type", sniffReason(t, err))

	err = Sniff("image/png", nil)
	require.Equal(t, "empty_file", sniffReason(t, err))
}

func TestContentTypeAllowedNormalizes(t *testing.T) {
	require.True(t, ContentTypeAllowed("image/png"))
	require.True(t, ContentTypeAllowed("IMAGE/PNG; charset=binary"))
	require.True(t, ContentTypeAllowed(" application/json "))
	require.False(t, ContentTypeAllowed("text/html"))
	require.False(t, ContentTypeAllowed("application/x-sh"))
}
