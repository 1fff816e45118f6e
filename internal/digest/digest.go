// Package digest computes the CRC32, MD5 and SHA-256 digests of a byte
// stream incrementally.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"

	"formpost/internal/apperr"
)

// Set holds the final digests of a fully observed stream.
type Set struct {
	CRC32  string
	MD5    string
	SHA256 string
	Size   int64
}

// Accumulator feeds every written chunk to all digests. It implements
// io.Writer so it can sit behind an io.MultiWriter next to the temp file.
type Accumulator struct {
	crc32     hash.Hash32
	md5       hash.Hash
	sha256    hash.Hash
	size      int64
	finalized bool
}

// NewAccumulator returns an Accumulator with empty state.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		crc32:  crc32.NewIEEE(),
		md5:    md5.New(),
		sha256: sha256.New(),
	}
}

// Write updates all digests with p. It fails once Finalize has been called.
func (a *Accumulator) Write(p []byte) (int, error) {
	if a.finalized {
		return 0, apperr.Errorf(apperr.ErrInvalidState, "digest update after finalize")
	}

	// hash.Hash writes never return an error.
	_, _ = a.crc32.Write(p)
	_, _ = a.md5.Write(p)
	_, _ = a.sha256.Write(p)
	a.size += int64(len(p))
	return len(p), nil
}

// Size returns the number of bytes observed so far.
func (a *Accumulator) Size() int64 {
	return a.size
}

// Finalize returns the digests of everything written. It may be called once.
func (a *Accumulator) Finalize() (Set, error) {
	if a.finalized {
		return Set{}, apperr.Errorf(apperr.ErrInvalidState, "digest finalized twice")
	}
	a.finalized = true

	return Set{
		CRC32:  fmt.Sprintf("%08x", a.crc32.Sum32()),
		MD5:    hex.EncodeToString(a.md5.Sum(nil)),
		SHA256: hex.EncodeToString(a.sha256.Sum(nil)),
		Size:   a.size,
	}, nil
}
