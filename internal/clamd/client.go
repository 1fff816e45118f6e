// Package clamd talks to a ClamAV daemon over its socket protocol.
package clamd

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"formpost/internal/engine"

	"github.com/spf13/afero"
)

// Mode selects how file contents reach clamd.
type Mode string

const (
	// ModeStream sends the bytes over the socket (INSTREAM). clamd needs no
	// access to the temp directory.
	ModeStream Mode = "instream"
	// ModeScan passes the path (SCAN). clamd must see the same filesystem.
	ModeScan Mode = "scan"
)

const (
	DefaultAddress     = "unix:///var/run/clamav/clamd.ctl"
	DefaultDatabaseDir = "/var/lib/clamav"

	streamChunkSize = 64 * 1024
	versionPrefix   = "ClamAV "
	versionDateForm = "Mon Jan _2 15:04:05 2006"
)

// Client is a clamd connection factory. Every command uses its own
// connection, so a Client is safe for concurrent use; clamd bounds its own
// worker threads.
type Client struct {
	network string
	address string

	Timeout     time.Duration
	Mode        Mode
	DatabaseDir string
	Fs          afero.Fs
}

// Option configures a Client.
type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.Timeout = d
	}
}

func WithMode(mode Mode) Option {
	return func(c *Client) {
		c.Mode = mode
	}
}

func WithDatabaseDir(dir string) Option {
	return func(c *Client) {
		c.DatabaseDir = dir
	}
}

func WithFs(fsys afero.Fs) Option {
	return func(c *Client) {
		c.Fs = fsys
	}
}

// New parses addr (unix:///path, tcp://host:port or host:port) and returns a
// Client. No connection is made.
func New(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		addr = DefaultAddress
	}

	network, address, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		network:     network,
		address:     address,
		Timeout:     5 * time.Second,
		Mode:        ModeStream,
		DatabaseDir: DefaultDatabaseDir,
		Fs:          afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(c)
	}

	switch c.Mode {
	case ModeStream, ModeScan:
	default:
		return nil, fmt.Errorf("unknown clamd mode %q", c.Mode)
	}
	return c, nil
}

func parseAddress(addr string) (string, string, error) {
	if !strings.Contains(addr, "://") {
		return "tcp", addr, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("parse clamd address %q: %w", addr, err)
	}

	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("clamd address %q has no socket path", addr)
		}
		return "unix", u.Path, nil
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("clamd address %q has no host", addr)
		}
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("unsupported clamd address scheme %q", u.Scheme)
	}
}

// Address returns the address in URL form.
func (c *Client) Address() string {
	return c.network + "://" + c.address
}

func (c *Client) dial(ctx context.Context) (net.Conn, func(), error) {
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, nil, fmt.Errorf("dial clamd %s: %w", c.Address(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Closing the connection is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	release := func() {
		stop()
		_ = conn.Close()
	}
	return conn, release, nil
}

// command sends a z-prefixed (NUL terminated) command and returns the reply.
func (c *Client) command(ctx context.Context, cmd string) (string, error) {
	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	conn, release, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if _, err := conn.Write([]byte("z" + cmd + "\x00")); err != nil {
		return "", c.connErr(ctx, fmt.Errorf("send %s: %w", cmd, err))
	}
	reply, err := readReply(conn)
	if err != nil {
		return "", c.connErr(ctx, fmt.Errorf("read %s reply: %w", cmd, err))
	}
	return reply, nil
}

func (c *Client) connErr(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil {
		// The socket deadline can fire a moment before the context timer.
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			ctxErr = context.DeadlineExceeded
		}
	}
	if ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

func readReply(r io.Reader) (string, error) {
	reply, err := bufio.NewReader(r).ReadString(0)
	if err != nil && !(errors.Is(err, io.EOF) && reply != "") {
		return "", err
	}
	return strings.TrimRight(reply, "\x00\n"), nil
}

// Ping checks that clamd is reachable.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.command(ctx, "PING")
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return fmt.Errorf("unexpected PING reply %q", reply)
	}
	return nil
}

// Version returns the raw VERSION reply.
func (c *Client) Version(ctx context.Context) (string, error) {
	return c.command(ctx, "VERSION")
}

// Info combines the VERSION reply with the signature count of the
// database files. It is cheap enough to call for every request, which keeps
// the metadata current when freshclam updates the database.
func (c *Client) Info(ctx context.Context) (engine.Info, error) {
	raw, err := c.Version(ctx)
	if err != nil {
		return engine.Info{}, err
	}

	info, err := parseVersion(raw)
	if err != nil {
		return engine.Info{}, err
	}

	db, err := ReadDatabase(c.Fs, c.DatabaseDir)
	if err != nil {
		slog.Warn("Failed to read signature database headers", "dir", c.DatabaseDir, "err", err)
		return info, nil
	}

	info.DBSignatures = db.Signatures
	if info.DBVersion == 0 {
		info.DBVersion = db.Version
	}
	if info.DBDate.IsZero() {
		info.DBDate = db.Date
	}
	return info, nil
}

// parseVersion parses "ClamAV 1.4.1/27400/Mon Oct 14 08:36:31 2024". The
// database parts are missing when clamd runs without a loaded database.
func parseVersion(raw string) (engine.Info, error) {
	if !strings.HasPrefix(raw, versionPrefix) {
		return engine.Info{}, fmt.Errorf("unexpected VERSION reply %q", raw)
	}

	fields := strings.SplitN(strings.TrimPrefix(raw, versionPrefix), "/", 3)
	info := engine.Info{Version: fields[0]}
	if len(fields) < 3 {
		return info, nil
	}

	dbVersion, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return engine.Info{}, fmt.Errorf("parse database version %q: %w", fields[1], err)
	}
	info.DBVersion = uint32(dbVersion)

	date, err := time.ParseInLocation(versionDateForm, strings.TrimSpace(fields[2]), time.UTC)
	if err != nil {
		return engine.Info{}, fmt.Errorf("parse database date %q: %w", fields[2], err)
	}
	info.DBDate = date
	return info, nil
}

// Scan submits f to clamd.
func (c *Client) Scan(ctx context.Context, f engine.File) (engine.Result, error) {
	var (
		reply string
		err   error
	)
	switch c.Mode {
	case ModeScan:
		reply, err = c.command(ctx, "SCAN "+f.Name())
	default:
		reply, err = c.instream(ctx, f)
	}
	if err != nil {
		return engine.Result{}, err
	}
	return ParseReply(reply)
}

func (c *Client) instream(ctx context.Context, f engine.File) (string, error) {
	src, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Name(), err)
	}
	defer src.Close()

	conn, release, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	sendErr := sendStream(conn, src)

	// clamd answers and hangs up early when the stream exceeds its
	// StreamMaxLength, so a failed send may still have a reply waiting.
	reply, readErr := readReply(conn)
	switch {
	case readErr == nil && reply != "":
		return reply, nil
	case sendErr != nil:
		return "", c.connErr(ctx, fmt.Errorf("stream %s: %w", f.Name(), sendErr))
	case readErr != nil:
		return "", c.connErr(ctx, fmt.Errorf("read INSTREAM reply: %w", readErr))
	default:
		return "", errors.New("empty INSTREAM reply")
	}
}

func sendStream(w io.Writer, src io.Reader) error {
	if _, err := w.Write([]byte("zINSTREAM\x00")); err != nil {
		return err
	}

	buf := make([]byte, 4+streamChunkSize)
	for {
		n, err := io.ReadFull(src, buf[4:])
		if n > 0 {
			binary.BigEndian.PutUint32(buf[:4], uint32(n))
			if _, werr := w.Write(buf[:4+n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read file: %w", err)
		}
	}

	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

// ParseReply maps a clamd scan reply onto an engine result. Only OK and
// "<signature> FOUND" are results; everything else is an error.
func ParseReply(reply string) (engine.Result, error) {
	body := reply
	if i := strings.LastIndex(reply, ": "); i >= 0 {
		body = reply[i+2:]
	}

	switch {
	case body == "OK":
		return engine.Result{Code: engine.CodeClean, Raw: reply}, nil
	case strings.HasSuffix(body, " FOUND"):
		sig := strings.TrimSpace(strings.TrimSuffix(body, " FOUND"))
		if sig == "" {
			return engine.Result{}, fmt.Errorf("clamd reported FOUND without a signature: %q", reply)
		}
		return engine.Result{Code: engine.CodeVirus, Signature: sig, Raw: reply}, nil
	case strings.HasSuffix(body, "ERROR"):
		return engine.Result{}, fmt.Errorf("clamd error: %s", strings.TrimSpace(strings.TrimSuffix(body, "ERROR")))
	default:
		return engine.Result{}, fmt.Errorf("unexpected clamd reply %q", reply)
	}
}
