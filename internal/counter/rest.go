package counter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"loom/internal/logging"
	"loom/internal/retry"
)

// RESTClient talks to an Upstash-style REST counter store:
// GET {base}/incr/{key}, {base}/get/{key}, {base}/set/{key}/{value},
// bearer-token auth, JSON body {"result": <value>}.
type RESTClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// RESTConfig holds configuration for the REST counter client.
type RESTConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewRESTClient creates a REST counter client.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("counter store URL required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("counter store token required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

type restResult struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

func (c *RESTClient) command(ctx context.Context, parts ...string) (int, error) {
	u := c.baseURL
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("counter request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, &retry.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var result restResult
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != "" {
		return 0, fmt.Errorf("counter store error: %s", result.Error)
	}

	// Result is an integer for INCR, a quoted string or null for GET.
	raw := string(result.Result)
	if raw == "" || raw == "null" {
		return 0, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(result.Result, &s); err != nil {
		return 0, fmt.Errorf("unexpected counter result %q", raw)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unexpected counter result %q", s)
	}
	return n, nil
}

func (c *RESTClient) Incr(ctx context.Context, key string) (int, error) {
	timer := logging.StartTimer(logging.CategoryCounter, "INCR "+key)
	defer timer.Stop()
	return c.command(ctx, "incr", key)
}

func (c *RESTClient) Get(ctx context.Context, key string) (int, error) {
	return c.command(ctx, "get", key)
}

func (c *RESTClient) Set(ctx context.Context, key string, value int) error {
	_, err := c.command(ctx, "set", key, strconv.Itoa(value))
	return err
}
