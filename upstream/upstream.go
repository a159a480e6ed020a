// Package upstream downloads files from the Drive REST API.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wolfeidau/drive-cache/cache"
	"github.com/wolfeidau/drive-cache/telemetry"
)

const (
	// DefaultBaseURL is the Drive API served by a local development server.
	DefaultBaseURL = "http://localhost:1030/api"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 5 * time.Minute

	// DefaultMaxSize caps a single download (1 GiB).
	DefaultMaxSize int64 = 1 << 30

	// Name labels upstream fetch metrics.
	Name = "drive"
)

var (
	// ErrNotFound is returned when the Drive API has no such file.
	ErrNotFound = errors.New("file not found upstream")

	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("not authorized for file")

	// ErrSizeMismatch is returned when the body length disagrees with Content-Length.
	ErrSizeMismatch = errors.New("download size mismatch")

	// ErrTooLarge is returned when a download exceeds the configured maximum.
	ErrTooLarge = errors.New("download exceeds maximum size")
)

// File is a downloaded file with the metadata the API reported for it.
type File struct {
	ID       string
	Name     string
	MIMEType string
	Data     []byte
}

// Metadata returns the fields cached alongside the payload.
func (f *File) Metadata() cache.Metadata {
	m := cache.Metadata{"size": len(f.Data)}
	if f.Name != "" {
		m["name"] = f.Name
	}
	if f.MIMEType != "" {
		m["mime_type"] = f.MIMEType
	}
	return m
}

// Client fetches files from the Drive API.
type Client struct {
	baseURL string
	token   string
	maxSize int64
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API base URL, for example https://drive.example.com/api.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithBearerToken sets the token sent as Authorization: Bearer.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient sets a custom HTTP client. Its transport is wrapped with
// fetch metrics. A nil client is ignored.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithMaxSize caps the size of a single download.
func WithMaxSize(n int64) Option {
	return func(c *Client) {
		c.maxSize = n
	}
}

// NewClient creates a Drive API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		maxSize: DefaultMaxSize,
		client:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	hc := *c.client
	hc.Transport = telemetry.NewInstrumentedTransport(hc.Transport, Name)
	c.client = &hc
	return c
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Download fetches the full content of fileID.
func (c *Client) Download(ctx context.Context, fileID string) (*File, error) {
	if fileID == "" {
		return nil, fmt.Errorf("%w: empty file id", ErrNotFound)
	}
	u := fmt.Sprintf("%s/files/%s/download", c.baseURL, url.PathEscape(fileID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s (%d)", ErrUnauthorized, fileID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if resp.ContentLength > c.maxSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, resp.ContentLength, c.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > c.maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxSize)
	}
	if err := checkLength(resp.Header.Get("Content-Length"), len(data)); err != nil {
		return nil, err
	}

	return &File{
		ID:       fileID,
		Name:     filename(resp.Header.Get("Content-Disposition")),
		MIMEType: mediaType(resp.Header.Get("Content-Type")),
		Data:     data,
	}, nil
}

// Fetch adapts Download for Cache.Load.
func (c *Client) Fetch(ctx context.Context, fileID string) (*cache.Fetched, error) {
	f, err := c.Download(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return &cache.Fetched{Data: f.Data, Metadata: f.Metadata()}, nil
}

func checkLength(header string, got int) error {
	if header == "" {
		return nil
	}
	want, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid Content-Length %q: %w", header, err)
	}
	if want != int64(got) {
		return fmt.Errorf("%w: Content-Length %d, read %d", ErrSizeMismatch, want, got)
	}
	return nil
}

func filename(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}
