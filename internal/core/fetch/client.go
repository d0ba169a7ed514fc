// Package fetch is the one shared HTTP surface every other core package
// goes through: playlist text, key material, and fragment bytes. It owns
// retry/backoff and cancellation so callers don't reimplement it.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mediagrab/mediagrab/internal/core/cancelctx"
	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
)

// DefaultUserAgent mirrors a real browser UA; several CDNs reject requests
// that carry Go's default "Go-http-client" agent string.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Backoff parameters for per-fragment retry: initial 100ms,
// multiplying factor 1.15 per attempt.
const (
	backoffInitial = 100 * time.Millisecond
	backoffFactor  = 1.15
)

// Client wraps an *http.Client with the header injection, retry, and
// cancellation behavior the pipeline needs.
type Client struct {
	HTTP      *http.Client
	UserAgent string
}

// New returns a Client configured for CDN fetches: no overall timeout (large
// fragments/playlists can legitimately take a while), connection reuse tuned
// for concurrent fragment workers.
func New() *Client {
	return &Client{
		HTTP: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 32,
				DisableCompression:  true,
			},
		},
		UserAgent: DefaultUserAgent,
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// GetText fetches url and returns its body as text, cancel-aware, with no
// retry (callers needing retry on text fetches — e.g. live polling — handle
// that at a higher level since a transient failure there means "sleep and
// poll again", not "retry immediately").
func (c *Client) GetText(ctx context.Context, url string, headers map[string]string) (string, error) {
	if err := cancelctx.ThrowIfCancelled(ctx); err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodGet, url, headers)
	if err != nil {
		return "", mediaerr.Fetch(url, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", mediaerr.Fetch(url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", mediaerr.Fetch(url, fmt.Errorf("status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", mediaerr.Fetch(url, err)
	}
	return string(body), nil
}

// GetBytes fetches url with exponential backoff retry, cancel-aware between
// attempts. retries is the number of *additional* attempts after the first.
func (c *Client) GetBytes(ctx context.Context, url string, headers map[string]string, retries int) ([]byte, error) {
	var lastErr error
	delay := backoffInitial

	for attempt := 0; attempt <= retries; attempt++ {
		if err := cancelctx.ThrowIfCancelled(ctx); err != nil {
			return nil, err
		}

		data, err := c.getBytesOnce(ctx, url, headers)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if attempt == retries {
			break
		}

		select {
		case <-ctx.Done():
			return nil, mediaerr.Cancelled()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * backoffFactor)
	}

	return nil, mediaerr.Fetch(url, lastErr)
}

func (c *Client) getBytesOnce(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, headers)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
