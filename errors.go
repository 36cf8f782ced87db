package manifestcache

import (
	"errors"
	"fmt"
	"strings"
)

// Code distinguishes the kinds of failure reported by the manifest cache.
type Code string

const (
	// CodeUnsupportedLanguage is reported before any I/O when the language is
	// not one of Languages().
	CodeUnsupportedLanguage Code = "unsupported_language"
	// CodeManifestUnavailable is reported when the descriptor fetch fails or
	// the content archive could not be materialized.
	CodeManifestUnavailable Code = "manifest_unavailable"
	// CodeInvalidDefinition is reported when the table does not exist.
	CodeInvalidDefinition Code = "invalid_definition"
	// CodeEntryNotFound is reported when the table has no row for the hash.
	CodeEntryNotFound Code = "entry_not_found"
)

// Sentinels for use with errors.Is. They match any *Error with the same Code.
var (
	ErrUnsupportedLanguage = &Error{Code: CodeUnsupportedLanguage}
	ErrManifestUnavailable = &Error{Code: CodeManifestUnavailable}
	ErrInvalidDefinition   = &Error{Code: CodeInvalidDefinition}
	ErrEntryNotFound       = &Error{Code: CodeEntryNotFound}
)

// Error is the single failure type returned by the cache and decoder.
// Language, Hash and Table carry whatever context was known at the point of
// failure; Err is the underlying cause, if any.
type Error struct {
	Code     Code
	Language Language
	Hash     uint32
	Table    string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	switch e.Code {
	case CodeUnsupportedLanguage:
		fmt.Fprintf(&b, "unsupported language: %q", string(e.Language))
	case CodeManifestUnavailable:
		fmt.Fprintf(&b, "manifest unavailable for language %q", string(e.Language))
	case CodeInvalidDefinition:
		fmt.Fprintf(&b, "invalid definition: %q", e.Table)
	case CodeEntryNotFound:
		fmt.Fprintf(&b, "no entry found with id %d in %s (language %q)", e.Hash, e.Table, string(e.Language))
	default:
		fmt.Fprintf(&b, "manifest error %s", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so that the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the Code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
