package compression

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

// ErrNoPayloadDir is returned when content is written without a directory
var ErrNoPayloadDir = errors.New("no payload directory configured")

// WriteContent stores data in a new file under dir and points p at it.
// Compressible content is stored GZIP compressed and p is marked so.
func WriteContent(dir string, p *model.Payload, data []byte) error {
	if dir == "" {
		return ErrNoPayloadDir
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating payload directory: %w", err)
	}

	compressed := ShouldCompress(p.MimeType) && len(data) > 0
	if compressed {
		var err error
		if data, err = Compress(data); err != nil {
			return err
		}
	}

	path := filepath.Join(dir, uuid.NewString())
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	p.ContentLocation = path
	if compressed {
		MarkCompressed(p)
	}
	return nil
}
