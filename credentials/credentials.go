// Package credentials renders a secrets template into the values the manifest
// cache keeps out of its plain configuration: the Bungie API key and the
// Redis URL, which may carry a password.
//
// The template is text/template producing JSON. Built-in functions are env,
// envDefault, file and json; secret backends are added with WithProvider.
//
//	{
//	  "api_key": {{ op "op://infra/bungie/api-key" | json }},
//	  "redis_url": {{ envDefault "REDIS_URL" "redis://localhost:6379/0" | json }}
//	}
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"text/template"
)

// maxTemplateSize bounds both the template and its rendered output.
const maxTemplateSize = 1 << 20

// Credentials holds the resolved secret values. Empty fields are left to the
// environment configuration.
type Credentials struct {
	APIKey   string `json:"api_key,omitempty"`
	RedisURL string `json:"redis_url,omitempty"`
}

// Validate checks that the resolved values are usable.
func (c *Credentials) Validate() error {
	if c.RedisURL == "" {
		return nil
	}
	u, err := url.Parse(c.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis_url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss", "unix":
		return nil
	default:
		return fmt.Errorf("invalid redis_url scheme %q", u.Scheme)
	}
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider exposes p to templates as the function name.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// Resolver renders credentials templates.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile renders the template at path.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer func() { _ = f.Close() }()

	creds, err := r.Resolve(ctx, f)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("resolved credentials",
		"path", path,
		"api_key", creds.APIKey != "",
		"redis_url", creds.RedisURL != "",
	)
	return creds, nil
}

// Resolve renders the template read from src.
func (r *Resolver) Resolve(ctx context.Context, src io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(io.LimitReader(src, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("credentials template exceeds %d bytes", maxTemplateSize)
	}

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, nil); err != nil {
		return nil, fmt.Errorf("rendering credentials template: %w", err)
	}
	if out.Len() > maxTemplateSize {
		return nil, fmt.Errorf("rendered credentials exceed %d bytes", maxTemplateSize)
	}

	var creds Credentials
	dec := json.NewDecoder(&out)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&creds); err != nil {
		return nil, fmt.Errorf("decoding rendered credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}

// funcs returns the template functions for one render. Provider lookups are
// memoized for the duration of the render.
func (r *Resolver) funcs(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}

	seen := make(map[string]string)
	for name, p := range r.providers {
		fm[name] = func(ref string) (string, error) {
			key := name + "\x00" + ref
			if val, ok := seen[key]; ok {
				return val, nil
			}
			val, err := p(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for %q: %w", name, ref, err)
			}
			seen[key] = val
			return val, nil
		}
	}
	return fm
}
