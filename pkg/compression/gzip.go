package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"strings"

	"github.com/sirosfoundation/go-ebms/pkg/message"
	"github.com/sirosfoundation/go-ebms/pkg/model"
)

const (
	// CompressionTypeGzip is the standard GZIP compression
	CompressionTypeGzip = "application/gzip"
)

var (
	// ErrNoContent is returned for payloads without a local content location
	ErrNoContent = errors.New("payload content is not available")
	// ErrUnsupportedCompression is returned for compression types other than GZIP
	ErrUnsupportedCompression = errors.New("unsupported compression type")
)

// IsCompressed reports whether p declares GZIP compressed content
func IsCompressed(p model.Payload) bool {
	ct, ok := p.Property(message.PartPropertyCompressionType)
	return ok && ct != ""
}

// Open returns the uncompressed content of p, read from its
// ContentLocation. The caller must close the reader.
func Open(p model.Payload) (io.ReadCloser, error) {
	if p.ContentLocation == "" {
		return nil, ErrNoContent
	}
	ct, _ := p.Property(message.PartPropertyCompressionType)
	if ct != "" && ct != CompressionTypeGzip {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCompression, ct)
	}

	f, err := os.Open(p.ContentLocation)
	if err != nil {
		return nil, fmt.Errorf("opening payload content: %w", err)
	}
	if ct == "" {
		return f, nil
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return &gzipFile{Reader: zr, file: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	err := g.Reader.Close()
	if cerr := g.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// Compress returns data GZIP compressed
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, werr := zw.Write(data)
	if err := errors.Join(werr, zw.Close()); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	return buf.Bytes(), nil
}

// MarkCompressed records on p that its content is GZIP compressed while
// keeping its original MIME type as part property
func MarkCompressed(p *model.Payload) {
	if IsCompressed(*p) {
		return
	}
	if _, ok := p.Property(message.PartPropertyMimeType); !ok && p.MimeType != "" {
		p.Properties = append(p.Properties, model.Property{Name: message.PartPropertyMimeType, Value: p.MimeType})
	}
	p.Properties = append(p.Properties, model.Property{Name: message.PartPropertyCompressionType, Value: CompressionTypeGzip})
}

// precompressed lists media types that gain nothing from GZIP
var precompressed = map[string]bool{
	"application/gzip":            true,
	"application/x-gzip":          true,
	"application/zip":             true,
	"application/x-7z-compressed": true,
	"application/zstd":            true,
	"application/vnd.rar":         true,
	"application/x-bzip2":         true,
}

// ShouldCompress reports whether content of the given type is worth
// compressing. Parameters such as charset are ignored. Images, audio and
// video are already compressed, except SVG which is XML.
func ShouldCompress(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if precompressed[mediaType] {
		return false
	}
	major, minor, _ := strings.Cut(mediaType, "/")
	switch major {
	case "image":
		return minor == "svg+xml"
	case "audio", "video":
		return false
	}
	return true
}
