package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File is an upload source.
type File struct {
	// Name is sent as the multipart filename.
	Name string
	// Size is the byte length of Reader. Zero or negative means unknown,
	// which sends the body chunked and suppresses progress callbacks.
	Size   int64
	Reader io.Reader
}

// Open prepares the file at path for upload. The caller closes the returned
// closer once the upload finishes.
func Open(path string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("%s is a directory", path)
	}
	return File{Name: filepath.Base(path), Size: info.Size(), Reader: f}, f, nil
}

func (f File) validate() error {
	if f.Reader == nil {
		return errors.New("file has no content reader")
	}
	if f.Name == "" {
		return errors.New("file name is required")
	}
	return nil
}
