package document

import (
	"fmt"
	"strings"
)

// Path is a dot-addressed location in a document, e.g. items.prod_1.qty.
type Path []string

func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, s)
		}
	}
	return parts, nil
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// IsID reports whether the path addresses the reserved id field or anything
// inside it.
func (p Path) IsID() bool {
	return len(p) > 0 && p[0] == IDField
}
