// Package upstream fetches the Destiny manifest descriptor and content
// archives from Bungie.net.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/manifest-cache/telemetry"
)

const (
	// DefaultBaseURL is the Bungie.net host that serves both the API and the
	// content archives.
	DefaultBaseURL = "https://www.bungie.net"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// ErrorCodeSuccess is the platform ErrorCode of a successful response.
	ErrorCodeSuccess = 1

	manifestPath = "/Platform/Destiny2/Manifest/"
)

// ErrNotFound is returned when a content archive is not found.
var ErrNotFound = errors.New("not found")

// ManifestResponse is the platform envelope around the manifest descriptor.
type ManifestResponse struct {
	ErrorCode       int       `json:"ErrorCode"`
	ErrorStatus     string    `json:"ErrorStatus"`
	Message         string    `json:"Message"`
	ThrottleSeconds int       `json:"ThrottleSeconds"`
	Response        *Manifest `json:"Response"`
}

// OK reports whether the platform reported success.
func (r *ManifestResponse) OK() bool {
	return r.ErrorCode == ErrorCodeSuccess && r.Response != nil
}

// Manifest describes the current manifest version and, per language, the
// relative path of its content archive.
type Manifest struct {
	Version                 string            `json:"version"`
	MobileWorldContentPaths map[string]string `json:"mobileWorldContentPaths"`
}

// Client fetches manifest data from Bungie.net.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the upstream base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithAPIKey sets the X-API-Key header sent with platform requests.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// New creates a new upstream client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewTransport(nil),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FetchManifest fetches the current manifest descriptor. A platform-level
// failure is not an error here: callers inspect OK and ErrorCode.
func (c *Client) FetchManifest(ctx context.Context) (*ManifestResponse, error) {
	url := c.baseURL + manifestPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}

	var mr ManifestResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}

	return &mr, nil
}

// FetchArchive fetches a content archive.
// Returns a ReadCloser that must be closed by the caller.
func (c *Client) FetchArchive(ctx context.Context, archiveURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}

	return resp.Body, nil
}

// ContentURL returns the absolute URL for a content path from the descriptor.
// Paths are relative to the base URL; absolute URLs are returned unchanged.
func (c *Client) ContentURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}
