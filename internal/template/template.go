// Package template renders message bodies by substituting named
// placeholders against a recipient's field values. Rendering is pure:
// no control flow, no state, deterministic for a given input.
package template

import (
	"strings"

	"github.com/altiplano-labs/despacho/internal/db"
)

// Render substitutes {name} placeholders in tmpl with values from
// fields. Unresolved placeholders are left verbatim rather than
// erroring; callers can treat literal braces in the output as a
// template authoring problem, not a dispatch failure.
func Render(tmpl string, fields map[string]string) string {
	if len(fields) == 0 || !strings.ContainsRune(tmpl, '{') {
		return tmpl
	}

	var b strings.Builder
	b.Grow(len(tmpl))

	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			b.WriteString(tmpl)
			return b.String()
		}
		close += open

		name := tmpl[open+1 : close]
		if value, ok := fields[name]; ok {
			b.WriteString(tmpl[:open])
			b.WriteString(value)
		} else {
			b.WriteString(tmpl[:close+1])
		}
		tmpl = tmpl[close+1:]
	}
}

// Fields builds the standard substitution map for a recipient.
func Fields(rec *db.Recipient) map[string]string {
	f := map[string]string{
		"nombre": rec.Name,
		"plan":   rec.Plan,
	}
	if rec.Phone != nil {
		f["telefono"] = *rec.Phone
	}
	if rec.Email != nil {
		f["email"] = *rec.Email
	}
	return f
}
