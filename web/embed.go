package webassets

import "embed"

// FS contains the embedded page assets served by the broker.
//
//go:embed callback.html.tmpl
var FS embed.FS
