// Package httpclient issues single HTTP requests on a shared tuned
// transport and classifies what came back. It is stateless beyond the
// connection pool and safe for concurrent use by many workers.
package httpclient

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config tunes the shared transport. Zero values fall back to defaults
// sized for thousands of concurrent workers against a handful of hosts.
type Config struct {
	// Timeout caps one request unless the call overrides it
	Timeout time.Duration

	// MaxIdleConns caps pooled idle connections across all hosts
	MaxIdleConns int

	// MaxIdleConnsPerHost caps pooled idle connections per host
	MaxIdleConnsPerHost int

	// IdleConnTimeout closes idle connections after this long
	IdleConnTimeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// UserAgent is sent when the request has no User-Agent header
	UserAgent string
}

// DefaultConfig returns the transport tuning used when no config is given.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// Request is one fully resolved call: placeholders substituted, headers
// merged, body rendered.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string

	// Timeout overrides Config.Timeout for this call when positive
	Timeout time.Duration
}

// Result is what one call produced. Status is zero when no response
// arrived; Err holds the underlying error for timeout and transport
// classes.
type Result struct {
	Status    int
	Latency   time.Duration
	BytesRead int64
	Class     Class
	Err       error
}

// Failed reports whether the result counts as a failure under the given
// classification rule.
func (r Result) Failed(statusAtOrAbove int, ignoreNetwork, ignoreTimeouts bool) bool {
	switch r.Class {
	case ClassTimeout:
		return !ignoreTimeouts
	case ClassTransport:
		return !ignoreNetwork
	}
	return r.Status >= statusAtOrAbove
}

// Client issues requests. All workers of a run share one Client so the
// connection pool is reused across iterations.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
}

// New builds a Client with a tuned transport.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		timeout:    cfg.Timeout,
		userAgent:  cfg.UserAgent,
	}
}

// Do performs one call and classifies the outcome. It never panics and
// never returns an error: failures become Result classes so the caller's
// loop keeps running. Latency is wall-clock time from write to last body
// byte and is never negative.
func (c *Client) Do(ctx context.Context, req Request) Result {
	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Result{Class: ClassTransport, Err: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{
			Latency: nonNegative(time.Since(start)),
			Class:   classifyError(err),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	// Drain the body so the connection returns to the pool; the bytes are
	// counted but never interpreted.
	n, readErr := io.Copy(io.Discard, resp.Body)
	latency := nonNegative(time.Since(start))

	if readErr != nil {
		return Result{
			Status:    resp.StatusCode,
			Latency:   latency,
			BytesRead: n,
			Class:     classifyError(readErr),
			Err:       readErr,
		}
	}

	result := Result{
		Status:    resp.StatusCode,
		Latency:   latency,
		BytesRead: n,
		Class:     ClassOK,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Class = ClassProtocol
	}
	return result
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
