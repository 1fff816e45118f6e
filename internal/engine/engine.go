// Package engine describes the malware scanning engine the service
// delegates detection to.
package engine

import (
	"context"
	"io"
	"time"
)

// Code is the raw outcome reported by an engine.
type Code int

const (
	CodeUnknown Code = iota
	CodeClean
	CodeWhitelisted
	CodeVirus
)

func (c Code) String() string {
	switch c {
	case CodeClean:
		return "clean"
	case CodeWhitelisted:
		return "whitelisted"
	case CodeVirus:
		return "virus"
	default:
		return "unknown"
	}
}

// Result is what an engine returns for one file.
type Result struct {
	Code      Code
	Signature string
	// Raw is the unparsed engine reply, kept for logging.
	Raw string
}

// Info describes the engine and its signature database.
type Info struct {
	Version      string
	DBVersion    uint32
	DBSignatures uint32
	DBDate       time.Time
}

// File is a completed upload handed to an engine.
type File interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// Engine scans files. Implementations must honour ctx where they can; the
// caller bounds concurrency and abandons calls that outlive their budget.
type Engine interface {
	Scan(ctx context.Context, f File) (Result, error)
	Info(ctx context.Context) (Info, error)
}
