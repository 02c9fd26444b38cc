package iface

import (
	"errors"
	"fmt"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	// ErrSchema reports a malformed interface description. Raised during
	// startup parsing only; not recoverable at runtime.
	ErrSchema = errors.New("invalid interface description")

	// ErrUnknownType reports a declarative type tag with no known translation.
	ErrUnknownType = errors.New("unknown type tag")

	// ErrUnmatchedKey reports access to a key absent from the interface.
	ErrUnmatchedKey = errors.New("unmatched key")

	// ErrSetNotAllowed reports an attempt to overwrite a nested interface
	// with a scalar value.
	ErrSetNotAllowed = errors.New("set not allowed")

	// ErrConversion reports a value whose type disagrees with the declared
	// leaf type and is not covered by the conversion whitelist.
	ErrConversion = errors.New("conversion")
)

// unmatchedKey names the failing segment and the keys available at its level.
func unmatchedKey(key string, available []string) error {
	return fmt.Errorf("%w: %q has no match among %v", ErrUnmatchedKey, key, available)
}
