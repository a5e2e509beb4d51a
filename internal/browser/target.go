// Package browser runs the daemon's browser sidecar: named pages driven
// through a Backend, addressed by CSS selector or by @e<n> refs handed out by
// snapshots.
package browser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrPageNotFound    = errors.New("page not found")
	ErrElementNotFound = errors.New("element not found")
)

// RefAttribute is set on elements by Snapshot; @e7 resolves to
// [data-fuel-ref="e7"].
const RefAttribute = "data-fuel-ref"

var refPattern = regexp.MustCompile(`^@e[0-9]+$`)

// ValidationError is a bad request detected before the backend is touched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ValidateTarget requires exactly one of selector and ref.
func ValidateTarget(selector, ref string) error {
	selector = strings.TrimSpace(selector)
	ref = strings.TrimSpace(ref)
	switch {
	case selector != "" && ref != "":
		return &ValidationError{Message: "Provide either a selector or --ref, not both"}
	case selector == "" && ref == "":
		return &ValidationError{Message: "Either a selector or --ref is required"}
	case ref != "" && !refPattern.MatchString(ref):
		return &ValidationError{Message: fmt.Sprintf("Invalid ref %q: expected @e<n>", ref)}
	}
	return nil
}

// ResolveTarget validates the pair and returns the CSS selector to query.
func ResolveTarget(selector, ref string) (string, error) {
	if err := ValidateTarget(selector, ref); err != nil {
		return "", err
	}
	if ref = strings.TrimSpace(ref); ref != "" {
		return fmt.Sprintf(`[%s="%s"]`, RefAttribute, strings.TrimPrefix(ref, "@")), nil
	}
	return strings.TrimSpace(selector), nil
}

// ParseTarget splits a bare CLI target: a leading @ makes it a ref.
func ParseTarget(target string) (selector, ref string) {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "@") {
		return "", target
	}
	return target, ""
}
