// Package ident is the identifier allow-list standing between catalog
// metadata and SQL text. Every table or column name interpolated into a
// statement goes through Quote; values never do, they ride the dialect
// parameter builders.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidIdentifier = errors.New("invalid identifier")

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Valid reports whether name is a safe, unquoted SQL identifier.
func Valid(name string) bool {
	return namePattern.MatchString(name)
}

// Quote validates name against the allow-list and wraps it in double quotes.
func Quote(name string) (string, error) {
	if !Valid(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return `"` + name + `"`, nil
}

// MustQuote quotes a name the caller has already validated. It panics on an
// invalid name, so it is only for identifiers produced by this codebase,
// never for user input.
func MustQuote(name string) string {
	q, err := Quote(name)
	if err != nil {
		panic(err)
	}
	return q
}

// QuoteQualified splits name on "." and quotes each segment, so
// "public.contrat" becomes "public"."contrat".
func QuoteQualified(name string) (string, error) {
	parts := strings.Split(name, ".")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		q, err := Quote(p)
		if err != nil {
			return "", err
		}
		quoted[i] = q
	}
	return strings.Join(quoted, "."), nil
}
