// Package enginetest provides an in-memory engine for tests.
package enginetest

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"formpost/internal/engine"
)

const (
	EICAR          = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`
	EICARSignature = "Eicar-Test-Signature"
)

// Fake detects the EICAR test string anywhere in a file, including inside
// the stored (uncompressed) zip samples. Everything else is clean.
type Fake struct {
	// Delay, when set, returns how long to wait before answering for the
	// given file content. Waits stop early when ctx is done unless Stubborn.
	Delay func(content []byte) time.Duration
	// Stubborn makes the fake ignore ctx while delaying.
	Stubborn bool
	// Override replaces the computed result for content it accepts.
	Override func(content []byte) (res engine.Result, handled bool, err error)

	EngineInfo engine.Info
	InfoErr    error

	mu      sync.Mutex
	current int
	max     int
	calls   int
	names   []string
}

func New() *Fake {
	return &Fake{
		EngineInfo: engine.Info{
			Version:      "1.4.1",
			DBVersion:    27400,
			DBSignatures: 8714829,
			DBDate:       time.Date(2024, time.October, 14, 8, 36, 31, 0, time.UTC),
		},
	}
}

func (f *Fake) Scan(ctx context.Context, file engine.File) (engine.Result, error) {
	f.enter(file.Name())
	defer f.leave()

	rc, err := file.Open()
	if err != nil {
		return engine.Result{}, err
	}
	content, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return engine.Result{}, err
	}

	if f.Delay != nil {
		if d := f.Delay(content); d > 0 {
			if f.Stubborn {
				time.Sleep(d)
			} else {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return engine.Result{}, ctx.Err()
				}
			}
		}
	}

	if f.Override != nil {
		if res, ok, err := f.Override(content); ok {
			return res, err
		}
	}

	if bytes.Contains(content, []byte(EICAR)) {
		return engine.Result{Code: engine.CodeVirus, Signature: EICARSignature, Raw: "stream: " + EICARSignature + " FOUND"}, nil
	}
	return engine.Result{Code: engine.CodeClean, Raw: "stream: OK"}, nil
}

func (f *Fake) Info(context.Context) (engine.Info, error) {
	return f.EngineInfo, f.InfoErr
}

func (f *Fake) enter(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.current++
	f.names = append(f.names, name)
	if f.current > f.max {
		f.max = f.current
	}
}

func (f *Fake) leave() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current--
}

// Calls returns how many scans were started.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Current returns how many scans are running right now.
func (f *Fake) Current() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// MaxConcurrent returns the highest number of simultaneous scans observed.
func (f *Fake) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.max
}

// Names returns the file names in the order scans started.
func (f *Fake) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}
