package conversion

import (
	"regexp"

	"github.com/redbco/redb-entities/pkg/adapter"
)

var placeholderPattern = regexp.MustCompile(`\{(source|extension)\.([A-Za-z0-9_]+)\}`)

// RenderTemplate substitutes {source.<field>} and {extension.<field>}
// placeholders. Placeholders without a value are left as written.
func RenderTemplate(tmpl string, attrs adapter.Record, extensions map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		var v any
		if parts[1] == "source" {
			v = attrs[parts[2]]
		} else {
			v = extensions[parts[2]]
		}
		if v == nil {
			return match
		}
		return adapter.Stringify(v)
	})
}
