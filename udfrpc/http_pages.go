// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package udfrpc

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/Query-farm/vgi-udf/udf"
)

const landingHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s &middot; vgi_udf worker</title>
<style>
  body { font-family: system-ui, -apple-system, sans-serif; max-width: 640px;
         margin: 60px auto; padding: 0 20px; color: #2c2c1e; }
  code { background: #f4f4f4; padding: 2px 6px; border-radius: 3px; font-size: 0.95em; }
  ul { padding-left: 20px; line-height: 1.7; }
  .meta { color: #6b6b57; }
</style>
</head>
<body>
<h1>vgi_udf worker</h1>
<p class="meta">Server <code>%s</code> &middot; protocol %s &middot; helper <code>%s</code> v%s</p>
<p>Calls are accepted as Arrow IPC at <code>POST %s/%s</code>.</p>
<h2>Functions (%d)</h2>
<ul>
%s</ul>
</body>
</html>`

// buildLandingHTML renders the worker's landing page. Functions are listed
// at request time since modules may be registered after startup.
func buildLandingHTML(s *Server, prefix string) []byte {
	var fns []string
	if s.functions != nil {
		fns = s.functions()
	}
	var items strings.Builder
	for _, fn := range fns {
		fmt.Fprintf(&items, "  <li><code>%s</code></li>\n", html.EscapeString(fn))
	}
	if len(fns) == 0 {
		items.WriteString("  <li>none registered</li>\n")
	}
	id := html.EscapeString(s.ServerID())
	return []byte(fmt.Sprintf(landingHTMLTemplate,
		id, // <title>
		id,
		ProtocolVersion,
		html.EscapeString(udf.HelperModule),
		html.EscapeString(udf.HelperVersion),
		html.EscapeString(prefix),
		MethodCall,
		len(fns),
		items.String(),
	))
}

func (h *HttpServer) handleLandingPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buildLandingHTML(h.server, h.prefix))
}
