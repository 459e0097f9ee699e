// Package collect wraps the upstream source collector. The collector is an
// external service; this client makes the single fetch call the scheduler
// issues at the start of every collection cycle and normalizes the payload
// to plain text.
package collect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/logging"
	"loom/internal/retry"

	"golang.org/x/net/html"
)

// Collector fetches one batch of raw source text.
type Collector interface {
	Collect(ctx context.Context) (string, error)
}

// Config holds configuration for the HTTP collector.
type Config struct {
	URL     string        `yaml:"url" json:"url"`
	Token   string        `yaml:"token" json:"token"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// HTTPCollector calls the collector endpoint over authenticated HTTP.
type HTTPCollector struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewHTTPCollector creates a collector client.
func NewHTTPCollector(cfg Config) (*HTTPCollector, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("collector URL required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTPCollector{
		url:   cfg.URL,
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Collect triggers the upstream collection and returns the gathered text.
// HTML payloads are stripped to plain text before being handed to the
// pipeline.
func (c *HTTPCollector) Collect(ctx context.Context) (string, error) {
	timer := logging.StartTimer(logging.CategoryCollect, "Collect")
	defer timer.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to create request: %w", err))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("collector request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read collector response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &retry.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		text = StripHTML(text)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", retry.ErrEmptyResponse
	}

	logging.Collect("Collected %d bytes of source text", len(text))
	return text, nil
}

// StripHTML extracts the text content of an HTML document. Malformed input
// falls back to the raw string.
func StripHTML(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return raw
	}

	var sb strings.Builder
	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style") {
			return
		}
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
			sb.WriteString(" ")
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(doc)
	return strings.Join(strings.Fields(sb.String()), " ")
}
