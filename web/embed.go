package web

import "embed"

// FS contains the embedded monitor page.
//
//go:embed *.html *.css *.js
var FS embed.FS
