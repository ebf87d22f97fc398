// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package wasmudf

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

// --- HTML templates ---

const fontImports = `<link rel="preconnect" href="https://fonts.googleapis.com">` +
	`<link rel="preconnect" href="https://fonts.gstatic.com" crossorigin>` +
	`<link href="https://fonts.googleapis.com/css2?family=Inter:wght@400;600;700&family=JetBrains+Mono:wght@400;600&display=swap" rel="stylesheet">`

const notFoundHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Not found</title>
<style>
  body { font: 16px/1.6 system-ui, sans-serif; color: #3a3a2e; background: #faf8f0;
         display: grid; place-items: center; min-height: 90vh; margin: 0; }
  main { max-width: 34em; text-align: center; }
  code { font-family: ui-monospace, monospace; background: #efeadb; padding: 1px 5px; }
</style>
</head>
<body>
<main>
<h1>No such UDF route</h1>
<p>Call a function with <code>POST %s/&lt;function id&gt;</code> and an Arrow IPC body.</p>
</main>
</body>
</html>`

const landingHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Scalar UDFs</title>
%s
<style>
  :root { --ink: #23281c; --muted: #707062; --line: #e6e1d2; --accent: #3d6b1f; }
  body { font: 15px/1.5 'Inter', system-ui, sans-serif; color: var(--ink);
         background: #fcfbf6; max-width: 960px; margin: 0 auto; padding: 32px 16px; }
  header { border-bottom: 3px solid var(--accent); margin-bottom: 24px; }
  header p { color: var(--muted); margin-top: 0; }
  code { font-family: 'JetBrains Mono', monospace; font-size: 0.85em; }
  a { color: var(--accent); }
  table { width: 100%%; border-spacing: 0; }
  th, td { text-align: left; padding: 6px 12px; border-bottom: 1px solid var(--line); }
  th { font-size: 0.8em; letter-spacing: 0.05em; text-transform: uppercase; color: var(--muted); }
  td:first-child { font-variant-numeric: tabular-nums; width: 4em; }
  .badge { margin-left: 6px; padding: 0 6px; border: 1px solid var(--accent);
           border-radius: 8px; font-size: 0.7em; color: var(--accent); }
  .empty { color: var(--muted); }
  footer { margin-top: 40px; color: var(--muted); font-size: 0.85em; }
</style>
</head>
<body>
<header>
<h1>Scalar UDFs</h1>
<p>%d registered &middot; <a href="%s">describe batch (Arrow IPC)</a></p>
</header>
%s
<footer>
  &copy; 2026 <a href="https://query.farm">Query.Farm LLC</a>
</footer>
</body>
</html>`

// --- Page builders ---

func buildNotFoundHTML(prefix string) []byte {
	return []byte(fmt.Sprintf(notFoundHTMLTemplate, html.EscapeString(prefix)))
}

func buildLandingHTML(prefix string, funcs []*Function) []byte {
	var table strings.Builder
	if len(funcs) == 0 {
		table.WriteString(`<p class="empty">No functions registered</p>`)
	} else {
		table.WriteString(`<table><tr><th>ID</th><th>Signature</th><th>Endpoint</th></tr>`)
		for _, f := range funcs {
			fmt.Fprintf(&table, `<tr><td>%d</td><td><code>%s</code>`, f.ID, html.EscapeString(f.Signature()))
			if f.CtxFn != nil {
				table.WriteString(` <span class="badge">context</span>`)
			}
			fmt.Fprintf(&table, `</td><td><code>POST %s/%d</code></td></tr>`, html.EscapeString(prefix), f.ID)
		}
		table.WriteString(`</table>`)
	}
	return []byte(fmt.Sprintf(landingHTMLTemplate,
		fontImports,
		len(funcs),
		html.EscapeString(prefix+"/__describe__"),
		table.String(),
	))
}

// --- HTTP handlers ---

// handleLandingPage renders the registry on every request; functions may be
// registered while the server runs.
func (h *HttpServer) handleLandingPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buildLandingHTML(h.prefix, h.bridge.registry.Functions()))
}

func (h *HttpServer) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(buildNotFoundHTML(h.prefix))
}
