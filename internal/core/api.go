package core

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"formpost/internal/apperr"
	"formpost/internal/journal"
	"formpost/internal/scan"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ScanRecord is a journal entry as served by the lookup endpoint.
type ScanRecord struct {
	RequestID   string         `json:"requestId"`
	Name        string         `json:"name"`
	Size        int64          `json:"size"`
	SHA256      string         `json:"sha256"`
	ContentType string         `json:"contentType"`
	DateScanned scan.Timestamp `json:"dateScanned"`
	Result      scan.Verdict   `json:"result"`
	Signature   *string        `json:"signature"`
}

func newScanRecord(e journal.Entry) ScanRecord {
	rec := ScanRecord{
		RequestID:   e.RequestID,
		Name:        e.Name,
		Size:        e.Size,
		SHA256:      e.SHA256,
		ContentType: e.ContentType,
		DateScanned: scan.Timestamp(e.ScannedAt),
		Result:      e.Result,
	}
	if e.Signature != "" {
		sig := e.Signature
		rec.Signature = &sig
	}
	return rec
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write response", "err", err)
	}
}

// writeError logs err and writes its JSON form. Server-side failures are
// logged in full but reported with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) int {
	status := apperr.Status(err)
	attrs := []any{"request_id", RequestID(r.Context()), "status", status, "err", err}

	switch {
	case status >= 500:
		slog.Error("Request failed", attrs...)
	case status == apperr.StatusClientClosedRequest:
		slog.Info("Client went away", attrs...)
	default:
		slog.Warn("Request rejected", attrs...)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   apperr.Code(err),
		Message: apperr.Message(err),
	})
	return status
}
