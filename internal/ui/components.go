// Package ui renders the HTML upload page.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"time"

	"github.com/a-h/templ"
	"github.com/dustin/go-humanize"
)

// Scan is a previously recorded scan shown on the upload page.
type Scan struct {
	Name      string
	Size      int64
	Result    string
	Signature string
	ScannedAt time.Time
}

// PageData is everything the upload page needs.
type PageData struct {
	// MaxFileSize is the per-file limit in bytes, 0 when unlimited.
	MaxFileSize int64
	// Recent is nil when the scan journal is disabled.
	Recent []Scan
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"en\">")
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "<title>%s</title>", html.EscapeString(title))
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head><body><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// UploadPage renders the upload form and, when available, recent scans.
func UploadPage(data PageData) templ.Component {
	return Layout("formpost - Upload", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header><h1>Scan files</h1>")
		if err != nil {
			return err
		}

		limit := "No size limit per file."
		if data.MaxFileSize > 0 {
			limit = "Up to " + humanize.IBytes(uint64(data.MaxFileSize)) + " per file."
		}
		_, err = fmt.Fprintf(w, "<p>Files are scanned for malware and deleted immediately afterwards. %s</p></header>", html.EscapeString(limit))
		if err != nil {
			return err
		}

		_, err = io.WriteString(w, "<form action=\"/upload\" method=\"post\" enctype=\"multipart/form-data\">"+
			"<input type=\"file\" name=\"file\" multiple required>"+
			"<button type=\"submit\">Scan</button></form></section>")
		if err != nil {
			return err
		}

		if data.Recent == nil {
			return nil
		}
		return recentScans(data.Recent).Render(ctx, w)
	}))
}

func recentScans(scans []Scan) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><h2>Recent scans</h2>")
		if err != nil {
			return err
		}

		if len(scans) == 0 {
			_, err = io.WriteString(w, "<p>Nothing scanned yet.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Name</th><th>Size</th><th>Result</th><th>Signature</th><th>Scanned</th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, s := range scans {
			row := fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
				html.EscapeString(s.Name),
				humanize.IBytes(uint64(s.Size)),
				html.EscapeString(s.Result),
				html.EscapeString(s.Signature),
				humanize.Time(s.ScannedAt),
			)
			_, err = io.WriteString(w, row)
			if err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	})
}
