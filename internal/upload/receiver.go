// Package upload parses multipart/form-data requests into a forward-only
// sequence of file parts while enforcing size and count limits.
package upload

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"formpost/internal/apperr"
)

// Limits bounds a single upload request. Zero values disable a limit.
type Limits struct {
	MaxParts       int
	MaxPartSize    int64
	MaxRequestSize int64
	MinPartSize    int64
}

// Receiver turns requests into part streams.
type Receiver struct {
	Limits Limits
}

// NewReceiver creates a Receiver enforcing limits.
func NewReceiver(limits Limits) *Receiver {
	return &Receiver{Limits: limits}
}

// Receive starts parsing r incrementally. Nothing beyond the first part
// header is read until Next is called.
func (rc *Receiver) Receive(r *http.Request) (*Stream, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, apperr.Errorf(apperr.ErrClient, "empty request body")
	}

	r.Body = &bodyReader{ReadCloser: r.Body}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperr.Errorf(apperr.ErrClient, "expected multipart/form-data: %v", err)
	}

	return &Stream{mr: mr, limits: rc.Limits}, nil
}

// Stream yields the parts of one request in submission order.
type Stream struct {
	mr     *multipart.Reader
	limits Limits
	count  int
	total  int64
	err    error
}

// Count returns the number of parts returned so far.
func (s *Stream) Count() int {
	return s.count
}

// Next returns the next part, or io.EOF after the last one. Moving on
// discards whatever was left unread of the previous part.
func (s *Stream) Next() (*Part, error) {
	if s.err != nil {
		return nil, s.err
	}

	mp, err := s.mr.NextPart()
	if err == io.EOF {
		if s.count == 0 {
			s.err = apperr.Errorf(apperr.ErrClient, "no files submitted")
			return nil, s.err
		}
		s.err = io.EOF
		return nil, io.EOF
	}
	if err != nil {
		s.err = classify(err)
		return nil, s.err
	}

	if s.limits.MaxParts > 0 && s.count >= s.limits.MaxParts {
		_ = mp.Close()
		s.err = apperr.Errorf(apperr.ErrPayloadTooLarge, "request has more than %d parts", s.limits.MaxParts)
		return nil, s.err
	}

	name := mp.FileName()
	if name == "" {
		name = mp.FormName()
	}

	part := &Part{
		Index:        s.count,
		Name:         name,
		FieldName:    mp.FormName(),
		DeclaredType: mp.Header.Get("Content-Type"),
		src:          mp,
		stream:       s,
	}
	s.count++
	return part, nil
}

// Part is one file field. Its body can be read exactly once.
type Part struct {
	Index        int
	Name         string
	FieldName    string
	DeclaredType string

	src    io.Reader
	stream *Stream
	size   int64
	err    error
}

// Read reads the part body. Limit violations and aborted connections are
// reported as classified errors; io.EOF marks a complete part.
func (p *Part) Read(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}

	n, err := p.src.Read(b)
	p.size += int64(n)
	p.stream.total += int64(n)

	limits := p.stream.limits
	switch {
	case limits.MaxPartSize > 0 && p.size > limits.MaxPartSize:
		p.err = apperr.Errorf(apperr.ErrPayloadTooLarge, "part %q exceeds %d bytes", p.Name, limits.MaxPartSize)
	case limits.MaxRequestSize > 0 && p.stream.total > limits.MaxRequestSize:
		p.err = apperr.Errorf(apperr.ErrPayloadTooLarge, "request exceeds %d bytes", limits.MaxRequestSize)
	case err == io.EOF && p.size < limits.MinPartSize:
		p.err = apperr.Errorf(apperr.ErrClient, "part %q is smaller than %d bytes", p.Name, limits.MinPartSize)
	case err == io.EOF:
		p.err = io.EOF
	case err != nil:
		p.err = classify(err)
	}

	if p.err != nil {
		p.stream.err = nonEOF(p.err)
	}
	return n, p.err
}

func nonEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

// bodyReader tags failures of the raw request body so they can be told
// apart from multipart syntax errors further up.
type bodyReader struct {
	io.ReadCloser
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return n, apperr.Wrap(apperr.ErrPayloadTooLarge, err)
	}
	return n, apperr.Wrap(apperr.ErrClientAbort, err)
}

func classify(err error) error {
	switch {
	case apperr.Classified(err):
		return err
	case errors.Is(err, io.ErrUnexpectedEOF):
		return apperr.Wrap(apperr.ErrClientAbort, err)
	default:
		return apperr.Wrap(apperr.ErrClient, fmt.Errorf("malformed multipart body: %w", err))
	}
}
