// Package sniff classifies content from the leading bytes of a stream,
// ignoring whatever type the client declared.
package sniff

import (
	"github.com/gabriel-vasile/mimetype"
)

// PrefixLimit is the maximum number of leading bytes inspected.
const PrefixLimit = 8192

// DefaultType is returned for data that matches no known signature.
const DefaultType = "application/octet-stream"

// Classify returns the MIME type detected from prefix. Only the first
// PrefixLimit bytes are considered.
func Classify(prefix []byte) string {
	if len(prefix) == 0 {
		return DefaultType
	}
	if len(prefix) > PrefixLimit {
		prefix = prefix[:PrefixLimit]
	}

	mtype := mimetype.Detect(prefix)
	if mtype == nil || mtype.String() == "" {
		return DefaultType
	}
	return mtype.String()
}

// Buffer captures the first PrefixLimit bytes written to it and silently
// drops the rest, so it can be placed in an io.MultiWriter next to the
// full-stream consumers.
type Buffer struct {
	buf []byte
}

// NewBuffer returns an empty prefix buffer.
func NewBuffer() *Buffer {
	return &Buffer{buf: make([]byte, 0, PrefixLimit)}
}

func (b *Buffer) Write(p []byte) (int, error) {
	if room := PrefixLimit - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

// Full reports whether the prefix has been captured completely.
func (b *Buffer) Full() bool {
	return len(b.buf) >= PrefixLimit
}

// Bytes returns the captured prefix.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

// ContentType classifies the captured prefix.
func (b *Buffer) ContentType() string {
	return Classify(b.buf)
}
