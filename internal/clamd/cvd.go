package clamd

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	cvdHeaderSize  = 512
	cvdHeaderMagic = "ClamAV-VDB"
)

// Header is the plain-text header at the start of a .cvd/.cld file:
// ClamAV-VDB:build time:version:signatures:level:md5:dsig:builder:stime
type Header struct {
	Name       string
	BuildTime  string
	Version    uint32
	Signatures uint32
	Level      uint32
	Builder    string
	Time       time.Time
}

// Database summarises all signature files in a database directory.
type Database struct {
	Headers    []Header
	Signatures uint32
	// Version and Date come from the "daily" file when present, which is
	// the one freshclam updates most often.
	Version uint32
	Date    time.Time
}

// ParseHeader decodes the header of a signature file.
func ParseHeader(r io.Reader) (Header, error) {
	buf := make([]byte, cvdHeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Header{}, fmt.Errorf("read header: %w", err)
	}

	line := strings.TrimRight(string(buf[:n]), " \x00\n")
	fields := strings.Split(line, ":")
	if len(fields) < 5 || fields[0] != cvdHeaderMagic {
		return Header{}, errors.New("not a ClamAV signature database header")
	}

	h := Header{BuildTime: fields[1]}
	for i, dst := range []*uint32{&h.Version, &h.Signatures, &h.Level} {
		v, err := strconv.ParseUint(strings.TrimSpace(fields[2+i]), 10, 32)
		if err != nil {
			return Header{}, fmt.Errorf("parse header field %d: %w", 2+i, err)
		}
		*dst = uint32(v)
	}

	if len(fields) > 7 {
		h.Builder = fields[7]
	}
	if len(fields) > 8 {
		if secs, err := strconv.ParseInt(strings.TrimSpace(fields[8]), 10, 64); err == nil {
			h.Time = time.Unix(secs, 0).UTC()
		}
	}
	return h, nil
}

// ReadDatabase reads the headers of every .cvd and .cld file in dir.
func ReadDatabase(fsys afero.Fs, dir string) (Database, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return Database{}, err
	}

	var db Database
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".cvd" && ext != ".cld") {
			continue
		}

		h, err := readHeaderFile(fsys, filepath.Join(dir, entry.Name()))
		if err != nil {
			return Database{}, fmt.Errorf("%s: %w", entry.Name(), err)
		}

		db.Headers = append(db.Headers, h)
		db.Signatures += h.Signatures
		if strings.TrimSuffix(entry.Name(), ext) == "daily" || db.Version == 0 {
			db.Version = h.Version
			db.Date = h.Time
		}
	}

	if len(db.Headers) == 0 {
		return Database{}, fmt.Errorf("no signature databases in %s", dir)
	}
	return db, nil
}

func readHeaderFile(fsys afero.Fs, path string) (Header, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	h, err := ParseHeader(f)
	if err != nil {
		return Header{}, err
	}
	h.Name = filepath.Base(path)
	return h, nil
}
