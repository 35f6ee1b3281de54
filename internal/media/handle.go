package media

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/storyline/internal/story"
)

// Handle is a displayable view of a resolved image. Release frees whatever
// backs it and is safe to call more than once.
type Handle interface {
	URI() string
	Release() error
}

// HandleFactory turns a resolved blob into a Handle.
type HandleFactory func(b story.Blob) (Handle, error)

// TempFileHandles writes each image to a file under dir (os.TempDir when
// empty). Releasing the handle removes the file.
func TempFileHandles(dir string) HandleFactory {
	return func(b story.Blob) (Handle, error) {
		ext := ""
		if exts, err := mime.ExtensionsByType(b.MIME); err == nil && len(exts) > 0 {
			ext = exts[0]
		}
		f, err := os.CreateTemp(dir, "storyline-*"+ext)
		if err != nil {
			return nil, fmt.Errorf("create image file: %w", err)
		}
		if _, err := f.Write(b.Data); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("write image file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return nil, fmt.Errorf("close image file: %w", err)
		}
		return &fileHandle{path: f.Name()}, nil
	}
}

type fileHandle struct {
	once sync.Once
	path string
}

func (h *fileHandle) URI() string {
	abs, err := filepath.Abs(h.path)
	if err != nil {
		abs = h.path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func (h *fileHandle) Release() error {
	var err error
	h.once.Do(func() {
		if rmErr := os.Remove(h.path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	})
	return err
}

// InlineHandles keeps images in memory and exposes them as data URIs.
func InlineHandles() HandleFactory {
	return func(b story.Blob) (Handle, error) {
		return &inlineHandle{
			uri: "data:" + b.MIME + ";base64," + base64.StdEncoding.EncodeToString(b.Data),
		}, nil
	}
}

type inlineHandle struct {
	mu  sync.Mutex
	uri string
}

func (h *inlineHandle) URI() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uri
}

func (h *inlineHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uri = ""
	return nil
}
