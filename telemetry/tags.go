// Package telemetry provides metrics for the manifest cache and the context
// tags used to label them.
package telemetry

import (
	"context"
)

type contextKey string

// languageKey is the context key for propagating the manifest language to
// upstream fetches made on its behalf.
const languageKey contextKey = "language"

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
)

// WithLanguageContext returns a context carrying the manifest language.
// Refreshes run on a detached context, so the language travels with it
// rather than with any single caller.
func WithLanguageContext(ctx context.Context, language string) context.Context {
	return context.WithValue(ctx, languageKey, language)
}

// LanguageFromContext returns the language stored by WithLanguageContext, or
// "" when none was set.
func LanguageFromContext(ctx context.Context) string {
	if l, ok := ctx.Value(languageKey).(string); ok {
		return l
	}
	return ""
}
