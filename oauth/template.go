package oauth

import (
	"net/url"
	"strings"
)

// expand substitutes {{name}} placeholders in a provider URL template.
// Values are query-escaped, since templates place them in query strings.
func expand(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", url.QueryEscape(value))
	}
	return out
}
