package compression

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebms/pkg/message"
	"github.com/sirosfoundation/go-ebms/pkg/model"
)

func writeContent(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "content")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func readAll(t *testing.T, p model.Payload) []byte {
	t.Helper()
	r, err := Open(p)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestOpen_Plain(t *testing.T) {
	content := []byte("<Order/>")
	p := model.Payload{MimeType: "application/xml", ContentLocation: writeContent(t, content)}

	assert.False(t, IsCompressed(p))
	assert.Equal(t, content, readAll(t, p))
}

func TestOpen_Compressed(t *testing.T) {
	// Use sufficiently large data for compression to be effective
	content := bytes.Repeat([]byte("<Line>repeated order line</Line>"), 100)
	compressed, err := Compress(content)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(content))

	p := model.Payload{MimeType: "application/xml", ContentLocation: writeContent(t, compressed)}
	MarkCompressed(&p)
	MarkCompressed(&p)

	assert.True(t, IsCompressed(p))
	assert.Len(t, p.Properties, 2)
	mt, _ := p.Property(message.PartPropertyMimeType)
	assert.Equal(t, "application/xml", mt)
	assert.Equal(t, content, readAll(t, p))
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(model.Payload{})
	assert.ErrorIs(t, err, ErrNoContent)

	_, err = Open(model.Payload{ContentLocation: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	p := model.Payload{
		ContentLocation: writeContent(t, []byte("data")),
		Properties:      []model.Property{{Name: message.PartPropertyCompressionType, Value: "application/x-bzip2"}},
	}
	_, err = Open(p)
	assert.ErrorIs(t, err, ErrUnsupportedCompression)

	// declared compressed but not gzip data
	p.Properties[0].Value = CompressionTypeGzip
	_, err = Open(p)
	assert.Error(t, err)
}

func TestCompress_EmptyData(t *testing.T) {
	compressed, err := Compress([]byte{})
	require.NoError(t, err)
	assert.NotEmpty(t, compressed) // GZIP header is present even for empty data

	p := model.Payload{ContentLocation: writeContent(t, compressed)}
	MarkCompressed(&p)
	assert.Empty(t, readAll(t, p))
}

func TestShouldCompress(t *testing.T) {
	for contentType, want := range map[string]bool{
		"text/plain":                  true,
		"text/plain; charset=utf-8":   true,
		"application/xml":             true,
		"Application/JSON":            true,
		"image/svg+xml":               true,
		"":                            true,
		"image/jpeg":                  false,
		"image/png":                   false,
		"audio/mpeg":                  false,
		"video/mp4":                   false,
		"application/gzip":            false,
		"application/zip":             false,
		"application/zip; name=a.zip": false,
	} {
		assert.Equal(t, want, ShouldCompress(contentType), contentType)
	}
}
