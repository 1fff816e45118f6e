package apperr_test

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"formpost/internal/apperr"

	"github.com/stretchr/testify/require"
)

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{apperr.Errorf(apperr.ErrClient, "no files submitted"), http.StatusBadRequest, "BadRequest"},
		{apperr.Errorf(apperr.ErrPayloadTooLarge, "too many parts"), http.StatusRequestEntityTooLarge, "PayloadTooLarge"},
		{apperr.Wrap(apperr.ErrClientAbort, io.ErrUnexpectedEOF), apperr.StatusClientClosedRequest, "ClientClosedRequest"},
		{apperr.Wrap(apperr.ErrStorage, errors.New("disk full")), http.StatusInternalServerError, "InternalError"},
		{apperr.Wrap(apperr.ErrEngine, errors.New("boom")), http.StatusBadGateway, "EngineError"},
		{apperr.Errorf(apperr.ErrScanTimeout, "after 1s"), http.StatusGatewayTimeout, "ScanTimeout"},
		{apperr.Errorf(apperr.ErrUnavailable, "draining"), http.StatusServiceUnavailable, "ServiceUnavailable"},
		{apperr.Errorf(apperr.ErrInvalidState, "finalized twice"), http.StatusInternalServerError, "InternalError"},
		{errors.New("unclassified"), http.StatusInternalServerError, "InternalError"},
	}

	for _, tt := range tests {
		require.Equalf(t, tt.status, apperr.Status(tt.err), "status for %v", tt.err)
		require.Equalf(t, tt.code, apperr.Code(tt.err), "code for %v", tt.err)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	err := apperr.Wrap(apperr.ErrClientAbort, io.ErrUnexpectedEOF)
	require.ErrorIs(t, err, apperr.ErrClientAbort)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Wrapping twice with the same kind must not nest it again.
	require.Equal(t, err, apperr.Wrap(apperr.ErrClientAbort, err))
	require.NoError(t, apperr.Wrap(apperr.ErrStorage, nil))
}

func TestMessageHidesInternalDetail(t *testing.T) {
	t.Parallel()

	internal := apperr.Wrap(apperr.ErrStorage, errors.New("open /tmp/secret: permission denied"))
	require.NotContains(t, apperr.Message(internal), "/tmp/secret")

	public := apperr.Errorf(apperr.ErrPayloadTooLarge, "part %q exceeds %d bytes", "a.bin", 10)
	require.Contains(t, apperr.Message(public), "a.bin")
}
