// Package blob uploads rendered artifacts to an S3-compatible HTTP store
// and returns public URLs.
package blob

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// Client implements domain.BlobStore over simple authenticated PUTs.
type Client struct {
	baseURL string
	bucket  string
	apiKey  string
	hc      *http.Client
}

// New constructs a blob client for the configured bucket.
func New(baseURL, bucket, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Put uploads data under name and returns its public URL. When contentType
// is empty it is sniffed from the payload.
func (c *Client) Put(ctx domain.Context, name string, data []byte, contentType string) (string, error) {
	if name == "" || len(data) == 0 {
		return "", fmt.Errorf("op=blob.put: empty name or payload: %w", domain.ErrInvalidArgument)
	}
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, c.bucket, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("op=blob.put: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=blob.put: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 500 {
			return "", fmt.Errorf("op=blob.put: status %d: %s: %w", resp.StatusCode, snippet, domain.ErrTransient)
		}
		return "", fmt.Errorf("op=blob.put: status %d: %s", resp.StatusCode, snippet)
	}
	return url, nil
}

// Ping checks reachability of the store root.
func (c *Client) Ping(ctx domain.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/"+c.bucket, nil)
	if err != nil {
		return fmt.Errorf("op=blob.ping: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=blob.ping: %w: %w", domain.ErrTransient, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("op=blob.ping: status %d: %w", resp.StatusCode, domain.ErrTransient)
	}
	return nil
}
