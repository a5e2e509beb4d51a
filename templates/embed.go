// Package templates embeds the files written into a new .fuel directory.
package templates

import "embed"

//go:embed gitignore
var FS embed.FS
