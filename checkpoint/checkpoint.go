// Package checkpoint stores the start time of the last clean run in a text file,
// in Odoo's datetime format so it can be used as a write_date bound as-is.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilcreatore32/odoosync/godoo"
)

// ErrMalformed is returned by Load for a file that does not hold a timestamp.
var ErrMalformed = errors.New("checkpoint: malformed timestamp")

// File is a checkpoint stored at Path.
type File struct {
	Path string
}

// New returns the checkpoint stored at path.
func New(path string) *File {
	return &File{Path: path}
}

// Load returns the stored time, or the zero time when no checkpoint was written yet.
func (f *File) Load() (time.Time, error) {
	raw, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("checkpoint: read %s: %w", f.Path, err)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(godoo.DateTimeFormat, text, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w in %s: %q", ErrMalformed, f.Path, text)
	}
	return t, nil
}

// Save replaces the stored time. The file is written next to its final path and
// renamed, so a crash leaves either the old or the new checkpoint.
func (f *File) Save(t time.Time) error {
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(t.UTC().Format(godoo.DateTimeFormat) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("checkpoint: rename: %w", err)
	}
	return nil
}
