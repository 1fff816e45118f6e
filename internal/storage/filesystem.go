package storage

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// TempFile is an exclusively owned temporary file. Whoever holds it must
// call Remove exactly once on every exit path; further calls are no-ops.
type TempFile struct {
	fs   afero.Fs
	name string
	size int64

	once      sync.Once
	removeErr error
}

// Name returns the full path of the file.
func (t *TempFile) Name() string {
	return t.name
}

// Size returns the number of bytes written to the file.
func (t *TempFile) Size() int64 {
	return t.size
}

// Open opens the file for reading.
func (t *TempFile) Open() (io.ReadCloser, error) {
	return t.fs.Open(t.name)
}

// Remove deletes the file. Only the first call touches the filesystem. A
// file that is already gone is not an error.
func (t *TempFile) Remove() error {
	t.once.Do(func() {
		t.removeErr = removeFile(t.fs, t.name)
	})
	return t.removeErr
}

// removeFile deletes path, ignoring ENOENT. Failures are logged here so
// callers can discard the error without masking their own.
func removeFile(fsys afero.Fs, path string) error {
	err := fsys.Remove(path)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("Temp file already removed", "path", path)
		return nil
	default:
		slog.Warn("Failed to remove temp file", "path", path, "err", err)
		return err
	}
}

// ResolveTempDir returns dir, or the OS temp directory (honouring TMPDIR)
// when dir is empty.
func ResolveTempDir(dir string) string {
	if dir == "" {
		return os.TempDir()
	}
	return dir
}
