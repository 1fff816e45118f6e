package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"formpost/internal/apperr"
	"formpost/internal/lifecycle"
	"formpost/internal/scan"
	"formpost/internal/ui"

	"golang.org/x/sync/errgroup"
)

var sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.Config.Lifecycle.Admit() {
		status := writeError(w, r, apperr.Errorf(apperr.ErrUnavailable, "server is shutting down"))
		s.Config.Metrics.ObserveRequest(status)
		return
	}
	defer s.Config.Lifecycle.Done()

	resp, err := s.processUpload(r)
	if err != nil {
		status := writeError(w, r, err)
		s.Config.Metrics.ObserveRequest(status)
		return
	}

	if s.Config.Journal != nil {
		if err := s.Config.Journal.Record(context.WithoutCancel(r.Context()), RequestID(r.Context()), resp.Results); err != nil {
			slog.Error("Failed to record scans", "request_id", RequestID(r.Context()), "err", err)
		}
	}

	s.Config.Metrics.ObserveRequest(http.StatusOK)
	writeJSON(w, http.StatusOK, resp)
}

// processUpload spools every part to disk in order and scans each one as
// soon as it is complete. All launched scans finish (and remove their
// files) before it returns, even when a later part fails.
func (s *Server) processUpload(r *http.Request) (*scan.Response, error) {
	ctx := r.Context()

	stream, err := s.receiver.Receive(r)
	if err != nil {
		return nil, err
	}

	// eg only waits; each scan reports through its own outcome so the first
	// error is picked by submission order, not completion order.
	var (
		eg       errgroup.Group
		outcomes []*scan.Outcome
	)

	for {
		part, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			outcomes = append(outcomes, &scan.Outcome{Err: err})
			break
		}

		written, err := s.writer.Write(ctx, part)
		if err != nil {
			outcomes = append(outcomes, &scan.Outcome{Err: err})
			break
		}
		s.Config.Metrics.AddBytes(written.Digests.Size)

		out := &scan.Outcome{}
		outcomes = append(outcomes, out)

		eg.Go(func() error {
			verdict, signature, err := s.dispatcher.Scan(ctx, written.File)
			if err != nil {
				out.Err = err
				return nil
			}

			res := scan.NewResult(part.Name, written.Digests, written.ContentType, verdict, signature, time.Now())
			out.Result = &res
			slog.Debug("Scanned part",
				"request_id", RequestID(ctx),
				"index", part.Index,
				"name", part.Name,
				"size", written.Digests.Size,
				"result", verdict,
			)
			return nil
		})
	}

	_ = eg.Wait() // always nil

	results := make([]scan.Outcome, len(outcomes))
	for i, out := range outcomes {
		results[i] = *out
	}

	if err := scan.FirstError(results); err != nil {
		return nil, err
	}

	// Database metadata is read per request; freshclam may have replaced
	// the signatures since the last one.
	info, err := s.Config.Engine.Info(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrEngine, err)
	}
	return scan.Aggregate(info, results)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := ui.PageData{MaxFileSize: s.Config.Limits.MaxPartSize}

	if s.Config.Journal != nil {
		entries, err := s.Config.Journal.Recent(r.Context(), recentScans)
		if err != nil {
			slog.Warn("Failed to read recent scans", "err", err)
		}
		data.Recent = make([]ui.Scan, 0, len(entries))
		for _, e := range entries {
			data.Recent = append(data.Recent, ui.Scan{
				Name:      e.Name,
				Size:      e.Size,
				Result:    string(e.Result),
				Signature: e.Signature,
				ScannedAt: e.ScannedAt,
			})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := ui.UploadPage(data).Render(r.Context(), w); err != nil {
		slog.Error("Failed to render upload page", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	state := s.Config.Lifecycle.State()
	if state != lifecycle.Accepting {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, state.String())
		return
	}
	_, _ = io.WriteString(w, "OK")
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if s.Config.Lifecycle.Drain() {
		slog.Info("Shutdown requested", "request_id", RequestID(r.Context()), "remote", r.RemoteAddr)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleScanLookup(w http.ResponseWriter, r *http.Request) {
	if s.Config.Journal == nil {
		http.NotFound(w, r)
		return
	}

	sha := r.PathValue("sha256")
	if !sha256Pattern.MatchString(sha) {
		writeError(w, r, apperr.Errorf(apperr.ErrClient, "%q is not a lower-case hex SHA-256 digest", sha))
		return
	}

	entries, err := s.Config.Journal.FindBySHA256(r.Context(), sha)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.ErrStorage, err))
		return
	}
	if len(entries) == 0 {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "NotFound", Message: "no scan recorded for " + sha})
		return
	}

	records := make([]ScanRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, newScanRecord(e))
	}
	writeJSON(w, http.StatusOK, records)
}
