// Package tid handles validation of token identifiers and their creation
// metadata.
//
// A tid names the external identity a token is tied to (for example a
// social account id). It is opaque to the market but must be printable,
// bounded, and safe to embed in URLs, cache keys and event subjects.
package tid

import (
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// Limits.
const (
	MaxTidLen      = 64
	MaxMetadataLen = 2048
)

// tidRegex matches: letters, digits and _ . - separators.
// Example: x_1234567890, github.tidmarket
var tidRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

var (
	ErrInvalidTid      = errors.New("tid: invalid identifier")
	ErrInvalidMetadata = errors.New("tid: invalid metadata")
)

// Validate checks that s is a well-formed tid.
func Validate(s string) error {
	if len(s) == 0 || len(s) > MaxTidLen {
		return fmt.Errorf("%w: length must be 1..%d", ErrInvalidTid, MaxTidLen)
	}
	if !tidRegex.MatchString(s) {
		return fmt.Errorf("%w: %q (expected [A-Za-z0-9][A-Za-z0-9_.-]*)", ErrInvalidTid, s)
	}
	return nil
}

// ValidateMetadata checks creation metadata: valid UTF-8 within the size limit.
func ValidateMetadata(s string) error {
	if len(s) > MaxMetadataLen {
		return fmt.Errorf("%w: exceeds %d bytes", ErrInvalidMetadata, MaxMetadataLen)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidMetadata)
	}
	return nil
}
