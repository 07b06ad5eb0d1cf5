package template

import (
	"regexp"
	"sort"
)

var (
	variablePattern    = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)
)

// Rendered is a template with every placeholder substituted.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Render substitutes {{key}} tokens in the subject and both bodies. Values
// are inserted verbatim. A token the function declares as required but
// vars lacks fails the whole render; other unknown tokens become empty.
// Required variables the template never uses are not checked.
func Render(fn Function, tpl Template, vars map[string]string) (Rendered, error) {
	required := make(map[string]bool, len(fn.RequiredVariables))
	for _, key := range fn.RequiredVariables {
		required[key] = true
	}
	var missing []string
	for _, key := range Placeholders(tpl) {
		if _, ok := vars[key]; !ok && required[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return Rendered{}, &MissingVariableError{Keys: missing}
	}

	replace := func(s string) string {
		return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
			key := placeholderPattern.FindStringSubmatch(token)[1]
			return vars[key]
		})
	}
	return Rendered{
		Subject: replace(tpl.Subject),
		HTML:    replace(tpl.HTMLContent),
		Text:    replace(tpl.TextContent),
	}, nil
}

// Placeholders lists the distinct variable names used by a template, in
// order of first appearance.
func Placeholders(tpl Template) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range []string{tpl.Subject, tpl.HTMLContent, tpl.TextContent} {
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}
