package upload_test

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"testing/iotest"

	"formpost/internal/apperr"
	"formpost/internal/upload"

	"github.com/stretchr/testify/require"
)

type filePart struct {
	field    string
	filename string
	content  string
}

func buildBody(t *testing.T, parts []filePart) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		var (
			w   io.Writer
			err error
		)
		if p.filename == "" {
			w, err = mw.CreateFormField(p.field)
		} else {
			w, err = mw.CreateFormFile(p.field, p.filename)
		}
		require.NoError(t, err, "creating form part")
		_, err = io.WriteString(w, p.content)
		require.NoError(t, err, "writing form part")
	}
	require.NoError(t, mw.Close(), "closing multipart writer")
	return mw.FormDataContentType(), buf.Bytes()
}

func newRequest(contentType string, body io.Reader) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	return req
}

type received struct {
	name  string
	field string
	body  string
}

func drain(t *testing.T, stream *upload.Stream) ([]received, error) {
	t.Helper()
	var out []received
	for {
		part, err := stream.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return out, err
		}
		out = append(out, received{name: part.Name, field: part.FieldName, body: string(data)})
	}
}

func TestReceivePreservesOrderAndDuplicates(t *testing.T) {
	t.Parallel()

	ct, body := buildBody(t, []filePart{
		{"file", "a.txt", "first"},
		{"file", "b.txt", "second"},
		{"note", "", "plain field"},
		{"file", "a.txt", "third"},
	})

	stream, err := upload.NewReceiver(upload.Limits{}).Receive(newRequest(ct, bytes.NewReader(body)))
	require.NoError(t, err)

	got, err := drain(t, stream)
	require.NoError(t, err)
	require.Equal(t, []received{
		{"a.txt", "file", "first"},
		{"b.txt", "file", "second"},
		{"note", "note", "plain field"},
		{"a.txt", "file", "third"},
	}, got)
	require.Equal(t, 4, stream.Count())
}

func TestReceiveZeroPartsIsClientError(t *testing.T) {
	t.Parallel()

	ct, body := buildBody(t, nil)
	stream, err := upload.NewReceiver(upload.Limits{}).Receive(newRequest(ct, bytes.NewReader(body)))
	require.NoError(t, err)

	_, err = stream.Next()
	require.ErrorIs(t, err, apperr.ErrClient)
}

func TestReceiveRejectsNonMultipart(t *testing.T) {
	t.Parallel()

	_, err := upload.NewReceiver(upload.Limits{}).Receive(newRequest("application/json", strings.NewReader("{}")))
	require.ErrorIs(t, err, apperr.ErrClient)

	req := httptest.NewRequest(http.MethodPost, "/upload", nil)
	_, err = upload.NewReceiver(upload.Limits{}).Receive(req)
	require.ErrorIs(t, err, apperr.ErrClient)
}

func TestReceiveMaxParts(t *testing.T) {
	t.Parallel()

	ct, body := buildBody(t, []filePart{
		{"f", "1.txt", "one"},
		{"f", "2.txt", "two"},
		{"f", "3.txt", "three"},
	})

	stream, err := upload.NewReceiver(upload.Limits{MaxParts: 2}).Receive(newRequest(ct, bytes.NewReader(body)))
	require.NoError(t, err)

	got, err := drain(t, stream)
	require.ErrorIs(t, err, apperr.ErrPayloadTooLarge)
	require.Len(t, got, 2, "parts within the limit are still returned")

	// The stream stays failed.
	_, err = stream.Next()
	require.ErrorIs(t, err, apperr.ErrPayloadTooLarge)
}

func TestReceiveMaxPartSize(t *testing.T) {
	t.Parallel()

	ct, body := buildBody(t, []filePart{
		{"f", "small.txt", "12345"},
		{"f", "big.txt", strings.Repeat("x", 6)},
	})

	stream, err := upload.NewReceiver(upload.Limits{MaxPartSize: 5}).Receive(newRequest(ct, bytes.NewReader(body)))
	require.NoError(t, err)

	got, err := drain(t, stream)
	require.ErrorIs(t, err, apperr.ErrPayloadTooLarge)
	require.Len(t, got, 1)

	_, err = stream.Next()
	require.ErrorIs(t, err, apperr.ErrPayloadTooLarge, "no part may follow a limit violation")
}

func TestReceiveMaxRequestSize(t *testing.T) {
	t.Parallel()

	ct, body := buildBody(t, []filePart{
		{"f", "a", strings.Repeat("a", 60)},
		{"f", "b", strings.Repeat("b", 60)},
	})

	stream, err := upload.NewReceiver(upload.Limits{MaxRequestSize: 100}).Receive(newRequest(ct, bytes.NewReader(body)))
	require.NoError(t, err)

	got, err := drain(t, stream)
	require.ErrorIs(t, err, apperr.ErrPayloadTooLarge)
	require.Len(t, got, 1)
}

func TestReceiveMinPartSize(t *testing.T) {
	t.Parallel()

	ct, body := buildBody(t, []filePart{{"f", "empty.bin", ""}})

	stream, err := upload.NewReceiver(upload.Limits{MinPartSize: 1}).Receive(newRequest(ct, bytes.NewReader(body)))
	require.NoError(t, err)
	_, err = drain(t, stream)
	require.ErrorIs(t, err, apperr.ErrClient)

	stream, err = upload.NewReceiver(upload.Limits{}).Receive(newRequest(ct, bytes.NewReader(body)))
	require.NoError(t, err)
	got, err := drain(t, stream)
	require.NoError(t, err, "zero-byte parts are accepted by default")
	require.Equal(t, []received{{"empty.bin", "f", ""}}, got)
}

func TestReceiveTruncatedBodyIsClientAbort(t *testing.T) {
	t.Parallel()

	ct, body := buildBody(t, []filePart{{"f", "cut.bin", strings.Repeat("q", 4096)}})
	truncated := body[:len(body)/2]

	stream, err := upload.NewReceiver(upload.Limits{}).Receive(newRequest(ct, bytes.NewReader(truncated)))
	require.NoError(t, err)

	_, err = drain(t, stream)
	require.ErrorIs(t, err, apperr.ErrClientAbort)
}

func TestReceiveConnectionResetIsClientAbort(t *testing.T) {
	t.Parallel()

	ct, body := buildBody(t, []filePart{{"f", "reset.bin", strings.Repeat("r", 4096)}})
	src := io.MultiReader(bytes.NewReader(body[:len(body)/2]), iotest.ErrReader(syscall.ECONNRESET))

	stream, err := upload.NewReceiver(upload.Limits{}).Receive(newRequest(ct, src))
	require.NoError(t, err)

	_, err = drain(t, stream)
	require.ErrorIs(t, err, apperr.ErrClientAbort)
	require.True(t, errors.Is(err, syscall.ECONNRESET), "cause must be kept")
}

func TestReceiveMaxBytesReader(t *testing.T) {
	t.Parallel()

	ct, body := buildBody(t, []filePart{{"f", "huge.bin", strings.Repeat("h", 4096)}})
	req := newRequest(ct, bytes.NewReader(body))
	req.Body = http.MaxBytesReader(httptest.NewRecorder(), req.Body, 1024)

	stream, err := upload.NewReceiver(upload.Limits{}).Receive(req)
	require.NoError(t, err)

	_, err = drain(t, stream)
	require.ErrorIs(t, err, apperr.ErrPayloadTooLarge)
}
