// Package client is a producer-side client for the data server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/dataserver"
)

const (
	// DefaultBaseURL is the default data server endpoint.
	DefaultBaseURL = "http://localhost:8090/dataserver"

	// DefaultTimeout is the default timeout for requests.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrConflict is returned when a block with the same name already exists.
	ErrConflict = errors.New("block name already exists")

	// ErrUnavailable is returned when the server could not persist the request.
	ErrUnavailable = errors.New("server unavailable")

	// ErrBadRequest is returned when the server rejected the request as malformed.
	ErrBadRequest = errors.New("bad request")
)

// Client talks to the data server over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the server URL, including the /dataserver prefix.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// New creates a client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewEnvelope builds an envelope with the checksum of payload filled in.
func NewEnvelope(name string, blockType dataserver.BlockType, payload string) dataserver.DataEnvelope {
	return dataserver.NewEnvelope(name, blockType, payload)
}

// PushData submits env. It returns false when the server rejected the
// checksum.
func (c *Client) PushData(ctx context.Context, env dataserver.DataEnvelope) (bool, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("encoding envelope: %w", err)
	}

	var accepted bool
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/pushdata", body, &accepted); err != nil {
		return false, fmt.Errorf("pushing %q: %w", env.Header.Name, err)
	}
	return accepted, nil
}

// GetByBlockType fetches every envelope classified as t.
func (c *Client) GetByBlockType(ctx context.Context, t dataserver.BlockType) ([]dataserver.DataEnvelope, error) {
	u := fmt.Sprintf("%s/data/%s", c.baseURL, url.PathEscape(string(t)))

	envs := []dataserver.DataEnvelope{}
	if err := c.do(ctx, http.MethodGet, u, nil, &envs); err != nil {
		return nil, fmt.Errorf("querying %s: %w", t, err)
	}
	return envs, nil
}

// UpdateBlockType reclassifies the named block. It returns false when the
// server has no block with that name.
func (c *Client) UpdateBlockType(ctx context.Context, name string, t dataserver.BlockType) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("%w: block name is empty", dataserver.ErrInvalidInput)
	}
	u := fmt.Sprintf("%s/update/%s/%s", c.baseURL, url.PathEscape(name), url.PathEscape(string(t)))

	var updated bool
	if err := c.do(ctx, http.MethodPatch, u, nil, &updated); err != nil {
		return false, fmt.Errorf("updating %q: %w", name, err)
	}
	return updated, nil
}

// do performs a request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, u string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: server returned %d: %s", statusError(resp.StatusCode), resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusError(status int) error {
	switch {
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusServiceUnavailable:
		return ErrUnavailable
	case status >= 400 && status < 500:
		return ErrBadRequest
	default:
		return errors.New("unexpected status")
	}
}
