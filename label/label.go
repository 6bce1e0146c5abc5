// Package label turns mail-archive document keys into classifier labels.
//
// Document keys have the layout
//
//	/<project>/<list>/<archive>/<message-id>
//
// e.g. /cocoon.apache.org/dev/200307.gz/001401c3414f$8394e160$1e01a8c0@WRPO.
// The label is the project name, optionally joined with the list name.
package label

import (
	"strings"
)

var escaper = strings.NewReplacer("-", "_", ".", "_")

// Deriver builds labels from document keys.
type Deriver struct {
	// UseListName appends "_<list>" to the project name.
	UseListName bool
}

// Derive returns the label for docKey. Empty segments are ignored, so a
// missing leading slash or doubled slashes do not shift the project. It
// returns false for keys with fewer than three segments.
func (d Deriver) Derive(docKey string) (string, bool) {
	parts := strings.FieldsFunc(docKey, func(r rune) bool { return r == '/' })
	if len(parts) <= 2 {
		return "", false
	}
	project := escape(parts[0])
	if !d.UseListName {
		return project, true
	}
	return project + "_" + escape(parts[1]), true
}

func escape(s string) string {
	return strings.ToLower(escaper.Replace(s))
}
