// Package manifestcache holds the types shared by the manifest cache packages:
// the closed set of manifest languages, the error taxonomy and content hashes.
package manifestcache

import (
	"fmt"
	"strings"
)

// Language is a locale tag for which Bungie publishes a manifest content file.
type Language string

const (
	English             Language = "en"
	French              Language = "fr"
	Spanish             Language = "es"
	Italian             Language = "it"
	Japanese            Language = "ja"
	BrazilianPortuguese Language = "pt-br"
)

// languages is ordered; Languages returns it in this order.
var languages = []Language{
	English,
	French,
	Spanish,
	Italian,
	Japanese,
	BrazilianPortuguese,
}

// Languages returns the supported languages in a stable order.
func Languages() []Language {
	out := make([]Language, len(languages))
	copy(out, languages)
	return out
}

// Valid reports whether l is one of the supported languages.
func (l Language) Valid() bool {
	for _, s := range languages {
		if s == l {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (l Language) String() string {
	return string(l)
}

// ParseLanguage converts a locale tag to a Language. Matching is
// case-insensitive and accepts "_" in place of "-" (pt_BR).
func ParseLanguage(s string) (Language, error) {
	norm := Language(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if !norm.Valid() {
		return "", &Error{Code: CodeUnsupportedLanguage, Language: Language(s)}
	}
	return norm, nil
}

// CheckLanguage returns an UnsupportedLanguage error when l is outside the
// supported set.
func CheckLanguage(l Language) error {
	if l.Valid() {
		return nil
	}
	return &Error{Code: CodeUnsupportedLanguage, Language: l}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Language) UnmarshalText(text []byte) error {
	parsed, err := ParseLanguage(string(text))
	if err != nil {
		return fmt.Errorf("parsing language: %w", err)
	}
	*l = parsed
	return nil
}
