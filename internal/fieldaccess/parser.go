// Package fieldaccess parses per-field access expressions, resolves converters
// and reads current field values from records.
package fieldaccess

import (
	"regexp"
	"strings"

	"github.com/rpattn/jiracache/internal/domain"
)

// expressionPattern matches `converter(path)` and `converter(path, "arg")`.
// It is anchored at the start only; trailing text after `)` is ignored.
var expressionPattern = regexp.MustCompile(`^([A-Za-z0-9_.]*)\(([A-Za-z0-9_.\s]*),?\s*(["'A-Za-z0-9_.\s,]*)\)`)

// remapSeparator splits a field config into current-value access and history access.
const remapSeparator = "/"

// Parse turns an access expression into a FieldAccessConfig. It never fails:
// anything that does not match the parenthesised form is a bare path.
func Parse(expression string) domain.FieldAccessConfig {
	match := expressionPattern.FindStringSubmatch(expression)
	if match == nil {
		return domain.FieldAccessConfig{Path: strings.TrimSpace(expression)}
	}
	arg := strings.NewReplacer(`"`, "", `'`, "").Replace(match[3])
	return domain.FieldAccessConfig{
		Converter: match[1],
		Path:      strings.TrimSpace(match[2]),
		Arg:       arg,
	}
}

// FieldSpec is the parsed configuration of one output field.
type FieldSpec struct {
	Name    string
	Current domain.FieldAccessConfig
	History domain.FieldAccessConfig
}

// ParseFieldSpec splits `current/history` and parses both halves. The history
// half defaults to the field name, and an empty history path falls back to it
// as well (e.g. `sprint_name()` keeps the field name as changelog field).
func ParseFieldSpec(name, spec string) FieldSpec {
	parts := strings.Split(spec, remapSeparator)
	historyExpression := name
	if len(parts) > 1 {
		historyExpression = parts[1]
	}

	history := Parse(historyExpression)
	if history.Path == "" {
		history.Path = name
	}
	return FieldSpec{
		Name:    name,
		Current: Parse(parts[0]),
		History: history,
	}
}
