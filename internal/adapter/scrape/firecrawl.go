// Package scrape fetches posting pages through a Firecrawl-compatible
// scraping API and returns their main content as markdown.
package scrape

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// Client implements domain.Scraper.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// New constructs a scraper client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

type scrapeRequest struct {
	URL     string   `json:"url"`
	Formats []string `json:"formats"`
}

type scrapeResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Markdown string `json:"markdown"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// Scrape fetches the URL and returns its markdown content. Rate limits and
// 5xx retry briefly; an empty extraction is an error so callers never
// ingest blank roles.
func (c *Client) Scrape(ctx domain.Context, pageURL string) (string, error) {
	if pageURL == "" {
		return "", fmt.Errorf("op=scrape.scrape: empty url: %w", domain.ErrInvalidArgument)
	}
	body, err := json.Marshal(scrapeRequest{URL: pageURL, Formats: []string{"markdown"}})
	if err != nil {
		return "", fmt.Errorf("op=scrape.scrape: %w", err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 90 * time.Second
	var markdown string
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scrape", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("op=scrape.scrape: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("op=scrape.scrape: status %d: %s", resp.StatusCode, string(raw))) //nolint:gosec
		}
		var parsed scrapeResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("op=scrape.scrape: %w", err))
		}
		if !parsed.Success {
			return backoff.Permanent(fmt.Errorf("op=scrape.scrape: %s", parsed.Error))
		}
		markdown = parsed.Data.Markdown
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(expo, ctx)); err != nil {
		return "", fmt.Errorf("op=scrape.scrape: %w: %w", domain.ErrTransient, err)
	}
	if strings.TrimSpace(markdown) == "" {
		return "", fmt.Errorf("op=scrape.scrape: empty content for %s: %w", pageURL, domain.ErrInvalidArgument)
	}
	return markdown, nil
}
