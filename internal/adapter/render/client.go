// Package render turns markdown documents into PDFs via an external
// rendering service.
package render

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/auto-apply/internal/domain"
)

// Client implements domain.Renderer.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New constructs a renderer client.
func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: &http.Client{Timeout: 30 * time.Second}}
}

// RenderPDF posts markdown and returns the PDF bytes.
func (c *Client) RenderPDF(ctx domain.Context, markdown string) ([]byte, error) {
	if strings.TrimSpace(markdown) == "" {
		return nil, fmt.Errorf("op=render.pdf: empty document: %w", domain.ErrInvalidArgument)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", strings.NewReader(markdown))
	if err != nil {
		return nil, fmt.Errorf("op=render.pdf: %w", err)
	}
	req.Header.Set("Content-Type", "text/markdown")
	req.Header.Set("Accept", "application/pdf")
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=render.pdf: %w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("op=render.pdf: status %d: %w", resp.StatusCode, domain.ErrTransient)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=render.pdf: status %d: %s", resp.StatusCode, snippet)
	}
	pdf, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("op=render.pdf: %w", err)
	}
	if len(pdf) == 0 {
		return nil, fmt.Errorf("op=render.pdf: empty response: %w", domain.ErrTransient)
	}
	return pdf, nil
}
