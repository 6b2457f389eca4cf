// Package validator holds the message-format gate run before admission.
package validator

import "strings"

// Format accepts messages made of a fixed number of non-empty
// semicolon-separated tokens, e.g. "14;d;f". This is the shape the
// processor's command line expects.
type Format struct {
	// Tokens is the required token count. Zero means the default of 3.
	Tokens int
}

func (f Format) Validate(content string) (bool, error) {
	want := f.Tokens
	if want <= 0 {
		want = 3
	}
	if content == "" {
		return false, nil
	}
	parts := strings.Split(content, ";")
	if len(parts) != want {
		return false, nil
	}
	for _, p := range parts {
		if p == "" {
			return false, nil
		}
	}
	return true, nil
}
