// Package objstore talks to the external object storage service that
// holds uploaded documents, page archives and other pipeline artifacts.
package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gateway is the object storage surface the pipeline depends on.
// Implementations must return a publicly resolvable URL from Put.
type Gateway interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, rawURL string) ([]byte, error)
	Remove(ctx context.Context, paths ...string) error
	PublicURL(path string) string
}

const (
	// getRetries bounds re-reads of a freshly written object. The
	// storage service fronts objects with a cache, so a GET right
	// after a PUT can serve a stale or missing object.
	getRetries    = 3
	getRetryDelay = 500 * time.Millisecond
)

// Client is an HTTP Gateway against a bucket-scoped REST storage API.
type Client struct {
	baseURL string
	bucket  string
	apiKey  string
	http    *http.Client
}

// New creates a storage client for the given bucket. baseURL is the
// service root without a trailing slash.
func New(baseURL, bucket, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Put uploads data under path and returns the object's public URL.
func (c *Client) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	u := c.objectURL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload %s: %s", path, readErrorBody(resp))
	}

	slog.Debug("stored object", "path", path, "bytes", len(data))
	return c.PublicURL(path), nil
}

// Get downloads an object by its full URL. A fresh write can be masked
// by the service's cache, so missing objects are re-read a few times
// with a cache-busting token before giving up.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < getRetries; attempt++ {
		u := rawURL
		if attempt > 0 {
			u = CacheBust(rawURL)
			select {
			case <-time.After(getRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, status, err := c.get(ctx, u)
		if err != nil {
			return nil, err
		}
		if status == http.StatusOK {
			return data, nil
		}
		lastErr = fmt.Errorf("download %s: status %d", rawURL, status)
		if status != http.StatusNotFound {
			break
		}
		slog.Debug("object not visible yet, retrying", "url", rawURL, "attempt", attempt+1)
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, u string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read object body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// Remove deletes the given object paths. Missing objects are not an
// error; the first hard failure aborts the batch.
func (c *Client) Remove(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(p), nil)
		if err != nil {
			return fmt.Errorf("build delete request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("delete %s: %w", p, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent &&
			resp.StatusCode != http.StatusNotFound {
			return fmt.Errorf("delete %s: status %d", p, resp.StatusCode)
		}
	}
	return nil
}

// PublicURL returns the unauthenticated download URL for a path.
func (c *Client) PublicURL(path string) string {
	return c.baseURL + "/public/" + c.bucket + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) objectURL(path string) string {
	return c.baseURL + "/object/" + c.bucket + "/" + strings.TrimLeft(path, "/")
}

// CacheBust appends a unique query token so intermediate caches cannot
// serve a stale response.
func CacheBust(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("t", uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String()
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Message != "" {
			return fmt.Sprintf("status %d: %s", resp.StatusCode, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Sprintf("status %d: %s", resp.StatusCode, apiErr.Error)
		}
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
