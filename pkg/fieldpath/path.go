package fieldpath

import (
	"fmt"
	"strings"
)

// Path is a dot-separated property path such as "fields.status.name".
type Path string

// Components splits a path into its segments.
func (p Path) Components() []string {
	trimmed := strings.TrimSpace(string(p))
	if trimmed == "" {
		return []string{}
	}
	return strings.Split(trimmed, ".")
}

// Depth returns the number of segments.
func (p Path) Depth() int {
	return len(p.Components())
}

// Parent returns the path without its last segment.
func (p Path) Parent() Path {
	lastDot := strings.LastIndex(string(p), ".")
	if lastDot == -1 {
		return ""
	}
	return p[:lastDot]
}

// Last returns the final segment.
func (p Path) Last() string {
	components := p.Components()
	if len(components) == 0 {
		return ""
	}
	return components[len(components)-1]
}

// Join appends segments to the path.
func (p Path) Join(segments ...string) Path {
	parts := p.Components()
	parts = append(parts, segments...)
	return Path(strings.Join(parts, "."))
}

// IsPrefixOf reports whether p is an ancestor of other.
func (p Path) IsPrefixOf(other Path) bool {
	if p == "" {
		return true
	}
	return strings.HasPrefix(string(other), string(p)+".")
}

// Validate checks that no segment is empty and segments only hold identifier
// characters (letters, digits, underscore).
func (p Path) Validate() error {
	if strings.TrimSpace(string(p)) == "" {
		return fmt.Errorf("path cannot be empty")
	}
	for i, component := range p.Components() {
		if component == "" {
			return fmt.Errorf("path component %d is empty", i)
		}
		for _, char := range component {
			if !isIdentChar(char) {
				return fmt.Errorf("path component %d contains invalid character: %c", i, char)
			}
		}
	}
	return nil
}

func isIdentChar(char rune) bool {
	return char == '_' ||
		(char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9')
}
