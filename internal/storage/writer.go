// Package storage streams upload parts into temporary files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"formpost/internal/apperr"
	"formpost/internal/digest"
	"formpost/internal/sniff"

	"github.com/spf13/afero"
)

const (
	// TempPattern names temp files; afero replaces the star with a random
	// suffix and opens with O_EXCL.
	TempPattern = "formpost-*"

	chunkSize = 32 * 1024
)

// Written describes a part that was fully persisted.
type Written struct {
	File        *TempFile
	Digests     digest.Set
	ContentType string
}

// Writer persists streams under Dir on Fs.
type Writer struct {
	Fs  afero.Fs
	Dir string
}

// NewWriter creates a Writer. An empty dir selects the OS temp directory.
func NewWriter(fsys afero.Fs, dir string) *Writer {
	return &Writer{Fs: fsys, Dir: ResolveTempDir(dir)}
}

// Write copies src into a new temp file while digesting and sniffing it.
// Memory use is bounded by the chunk size. On error nothing is left on disk.
func (w *Writer) Write(ctx context.Context, src io.Reader) (*Written, error) {
	f, err := afero.TempFile(w.Fs, w.Dir, TempPattern)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, fmt.Errorf("create temp file: %w", err))
	}

	tmp := &TempFile{fs: w.Fs, name: f.Name()}
	closed := false
	done := false
	defer func() {
		if done {
			return
		}
		if !closed {
			_ = f.Close()
		}
		_ = tmp.Remove()
	}()

	acc := digest.NewAccumulator()
	prefix := sniff.NewBuffer()
	dst := io.MultiWriter(f, acc, prefix)

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Wrap(apperr.ErrClientAbort, err)
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				if apperr.Classified(err) {
					return nil, err
				}
				return nil, apperr.Wrap(apperr.ErrStorage, fmt.Errorf("write temp file: %w", err))
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if apperr.Classified(readErr) {
				return nil, readErr
			}
			return nil, apperr.Wrap(apperr.ErrClientAbort, readErr)
		}
	}

	if err := f.Sync(); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, fmt.Errorf("sync temp file: %w", err))
	}
	closed = true
	if err := f.Close(); err != nil {
		return nil, apperr.Wrap(apperr.ErrStorage, fmt.Errorf("close temp file: %w", err))
	}

	digests, err := acc.Finalize()
	if err != nil {
		return nil, err
	}
	tmp.size = digests.Size

	done = true
	return &Written{
		File:        tmp,
		Digests:     digests,
		ContentType: prefix.ContentType(),
	}, nil
}
