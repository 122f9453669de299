package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ImageStore saves evidence JPEGs alongside the event log. File names follow
// the "<name>_<unix>.jpg" convention; the retention cleaner relies on the
// "Unknown_" prefix to find unenrolled-face images.
type ImageStore struct {
	dir string
}

func NewImageStore(dir string) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &ImageStore{dir: dir}, nil
}

func (is *ImageStore) Dir() string { return is.dir }

// Save writes one JPEG and returns its file name (not the full path).
func (is *ImageStore) Save(name string, ts time.Time, jpeg []byte) (string, error) {
	file := fmt.Sprintf("%s_%d.jpg", sanitizeName(name), ts.Unix())
	if err := os.WriteFile(filepath.Join(is.dir, file), jpeg, 0o644); err != nil {
		return "", fmt.Errorf("save image %s: %w", file, err)
	}
	return file, nil
}

// Path resolves a stored file name to its on-disk path. It rejects names
// that would escape the image directory.
func (is *ImageStore) Path(file string) (string, error) {
	if file == "" || file != filepath.Base(file) || strings.HasPrefix(file, ".") {
		return "", fmt.Errorf("invalid image file name %q", file)
	}
	return filepath.Join(is.dir, file), nil
}

// sanitizeName keeps file names portable: anything outside letters, digits,
// dash and underscore becomes an underscore.
func sanitizeName(name string) string {
	if name == "" {
		return "face"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
