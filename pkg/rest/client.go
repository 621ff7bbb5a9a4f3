// Package rest implements the HTTP side of the Mattermost API v4: URI
// building, bearer authentication, JSON and multipart bodies, and mapping of
// response statuses onto errors.
package rest

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"github.com/codeGROOVE-dev/mmclient/pkg/metrics"
)

const (
	// APIPrefix is prepended to every request path.
	APIPrefix = "/api/v4"

	clientTimeout   = 30 * time.Second
	maxResponseSize = 16 << 20
)

// APIError is returned for any response status other than 200 or 201.
type APIError struct {
	Body       string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API response: %d %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Host      string
	HTTPProxy string
	Timeout   time.Duration
	HTTPPort  int
	RateLimit float64 // requests per second; 0 disables limiting
	RateBurst int
	UseTLS    bool
	TLSVerify bool
}

// Response is a successful API response.
type Response struct {
	Header     http.Header
	Body       []byte
	StatusCode int
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNull reports whether the body is empty or the JSON literal null.
func (r *Response) IsNull() bool {
	b := bytes.TrimSpace(r.Body)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}

// File is one part of a multipart upload.
type File struct {
	Content io.Reader
	Name    string
}

// Form is a multipart request body.
type Form struct {
	Fields map[string][]string
	Files  []File
}

// Client issues API requests for one host.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
	baseURL    string
	token      string
	mu         sync.RWMutex
}

// New creates a REST client.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = clientTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:errcheck // DefaultTransport is always *http.Transport
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: !cfg.TLSVerify, //nolint:gosec // controlled by MATTERMOST_TLS_VERIFY
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	c := &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		logger:     logger,
		metrics:    cfg.Metrics,
		baseURL:    BaseURL(cfg.Host, cfg.UseTLS, cfg.HTTPPort),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// BaseURL returns scheme://host[:port]/api/v4.
func BaseURL(host string, useTLS bool, httpPort int) string {
	scheme := "http://"
	if useTLS {
		scheme = "https://"
	}
	port := ""
	if httpPort != 0 {
		port = ":" + strconv.Itoa(httpPort)
	}
	return scheme + host + port + APIPrefix
}

// URL returns the absolute URL of an API path.
func (c *Client) URL(path string) string {
	return c.baseURL + path
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Do sends a JSON request. A nil body sends no payload.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(payload))
	return c.send(req)
}

// Upload sends a multipart/form-data request. The body is streamed, so no
// Content-Length is set.
func (c *Client) Upload(ctx context.Context, path string, form Form) (*Response, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeForm(mw, form))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(path), pr)
	if err != nil {
		pr.Close() //nolint:errcheck,gosec // unblocks the writer goroutine
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.ContentLength = -1
	return c.send(req)
}

func writeForm(mw *multipart.Writer, form Form) error {
	for name, values := range form.Fields {
		for _, v := range values {
			if err := mw.WriteField(name, v); err != nil {
				return fmt.Errorf("write field %s: %w", name, err)
			}
		}
	}
	for _, f := range form.Files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return fmt.Errorf("create file part: %w", err)
		}
		if _, err := io.Copy(part, f.Content); err != nil {
			return fmt.Errorf("copy file %s: %w", f.Name, err)
		}
	}
	return mw.Close()
}

func (c *Client) send(req *http.Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "BEARER "+token)
	}

	c.logger.Debug("api request", "method", req.Method, "url", req.URL.String())
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveAPI(req.Method, 0, time.Since(start))
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", "error", err)
		}
	}()
	c.metrics.ObserveAPI(req.Method, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// Ping checks GET /system/ping, retrying transport failures and 5xx
// responses with exponential backoff.
func (c *Client) Ping(ctx context.Context) error {
	var lastErr error
	err := retry.Do(
		func() error {
			_, err := c.Do(ctx, http.MethodGet, "/system/ping", nil)
			if err == nil {
				return nil
			}
			lastErr = err
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return retry.Unrecoverable(err)
			}
			c.logger.Warn("server ping failed (will retry)", "error", err)
			return err
		},
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
