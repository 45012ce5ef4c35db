// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"fmt"
	"strings"
)

// maxNameLength bounds every identifier. Long enough for generated
// ref names ({type}/{stream}/{commit}/{name}/{id}), short enough to
// index comfortably.
const maxNameLength = 256

// allowedChars is the set of characters permitted in Anvil
// identifiers: a-z, 0-9, and the symbols . _ = -. Path identifiers
// (locators, ref names) additionally permit /.
var allowedChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		allowedChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		allowedChars[c] = true
	}
	allowedChars['.'] = true
	allowedChars['_'] = true
	allowedChars['='] = true
	allowedChars['-'] = true
}

// validateName enforces the rules for single-segment identifiers
// (agent ids, pool ids, namespace ids, stream ids): non-empty,
// length-bounded, restricted character set, no slashes.
func validateName(kind, text string) error {
	if text == "" {
		return fmt.Errorf("%s must not be empty", kind)
	}
	if len(text) > maxNameLength {
		return fmt.Errorf("%s %q exceeds %d characters", kind, text, maxNameLength)
	}
	for i := 0; i < len(text); i++ {
		if !allowedChars[text[i]] {
			return fmt.Errorf("%s %q contains invalid character %q", kind, text, text[i])
		}
	}
	return nil
}

// validatePath enforces the rules for path-shaped identifiers (blob
// locators, ref names): the single-segment character set plus /, no
// leading or trailing slash, no empty segments, no "." or ".."
// segments.
func validatePath(kind, text string) error {
	if text == "" {
		return fmt.Errorf("%s must not be empty", kind)
	}
	if len(text) > maxNameLength {
		return fmt.Errorf("%s %q exceeds %d characters", kind, text, maxNameLength)
	}
	for _, segment := range strings.Split(text, "/") {
		if segment == "" {
			return fmt.Errorf("%s %q has an empty path segment", kind, text)
		}
		if segment == "." || segment == ".." {
			return fmt.Errorf("%s %q has a relative path segment", kind, text)
		}
		if err := validateName(kind+" segment", segment); err != nil {
			return fmt.Errorf("%s %q: %w", kind, text, err)
		}
	}
	return nil
}
