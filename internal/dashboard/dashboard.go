// Package dashboard renders the operator-facing /debug/sessions view: a
// Markdown table of the live Session Registry, converted to HTML with
// goldmark and sanitized with bluemonday's UGC policy, matching the
// teacher's renderMarkdown helper in html.go. Sanitization matters here
// because project paths and session ids originate from the untrusted
// editor side of the wire.
package dashboard

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"

	"echohub/internal/hub"
)

var sanitizer = bluemonday.UGCPolicy()

// Handler returns an http.HandlerFunc rendering the current registry
// snapshot as sanitized HTML.
func Handler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		md := renderMarkdownTable(h)

		var htmlBuf bytes.Buffer
		if err := goldmark.Convert([]byte(md), &htmlBuf); err != nil {
			http.Error(w, "failed to render dashboard", http.StatusInternalServerError)
			return
		}
		safe := sanitizer.SanitizeBytes(htmlBuf.Bytes())

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><html><head><title>echohub sessions</title></head><body>\n")
		w.Write(safe)
		fmt.Fprintf(w, "\n</body></html>\n")
	}
}

func renderMarkdownTable(h *hub.Hub) string {
	var b strings.Builder
	target := h.TargetProject()

	fmt.Fprintf(&b, "# Connected sessions\n\n")
	fmt.Fprintf(&b, "Target project: `%s`\n\n", escapeCell(target))
	fmt.Fprintf(&b, "| Session | Conn ID | Project | State | Alive | Compiling |\n")
	fmt.Fprintf(&b, "|---|---|---|---|---|---|\n")

	for _, p := range h.Registry().Snapshot() {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %t | %t |\n",
			escapeCell(p.SessionID),
			escapeCell(p.ConnID),
			escapeCell(p.ProjectPath()),
			p.State(),
			p.Alive(),
			p.IsCompiling(),
		)
	}
	return b.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
