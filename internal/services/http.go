// Package services holds the outbound HTTP clients: LNURL-pay endpoints,
// zap gateways and settlement status checks.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"nostr-buzz/internal/metrics"
	"nostr-buzz/internal/util"
)

const (
	DefaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 1 << 20
)

// ProtocolError is a well-formed failure reported by the remote endpoint:
// a non-200 status or an explicit error body. It is never retried.
type ProtocolError struct {
	StatusCode int
	Reason     string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("endpoint returned status %d", e.StatusCode)
}

// IsProtocolError reports whether err carries a server-side failure.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// RetryPolicy is exponential backoff for transport-level failures.
type RetryPolicy struct {
	Attempts   uint
	Delay      time.Duration
	Multiplier float64
}

// DefaultRetryPolicy retries three times starting at 500ms, growing by 1.5x.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond, Multiplier: 1.5}
}

// backoff returns the wait before retry n (0-based).
func (p RetryPolicy) backoff(n uint) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(p.Delay) * math.Pow(mult, float64(n)))
}

// HTTPClient performs JSON GETs with SSRF checks and retries.
type HTTPClient struct {
	client       *http.Client
	retry        RetryPolicy
	allowPrivate bool
}

// ClientOption customizes an HTTPClient.
type ClientOption func(*HTTPClient)

// WithRetryPolicy overrides the default backoff.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *HTTPClient) { c.retry = p }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) { c.client = hc }
}

// AllowPrivateHosts disables the SSRF guard. Used for local gateways and tests.
func AllowPrivateHosts() ClientOption {
	return func(c *HTTPClient) { c.allowPrivate = true }
}

// NewHTTPClient creates a client with a dedicated transport and timeouts.
func NewHTTPClient(timeout time.Duration, opts ...ClientOption) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	c := &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       30 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ResponseHeaderTimeout: 5 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
		retry: DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateExternalURL validates that a URL is safe to fetch (SSRF prevention)
func ValidateExternalURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid scheme: %s (expected https)", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return errors.New("missing host")
	}
	if util.IsPrivateHost(host) || host == "0.0.0.0" {
		return errors.New("internal hosts not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return errors.New("private IP ranges not allowed")
		}
	}
	return nil
}

// GetJSON fetches rawURL with query merged into its existing query string.
// Transport errors are retried with backoff; non-200 responses and
// {"status":"ERROR"} bodies fail immediately with a *ProtocolError.
func (c *HTTPClient) GetJSON(ctx context.Context, op, rawURL string, query url.Values) ([]byte, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if !c.allowPrivate {
		if err := ValidateExternalURL(rawURL); err != nil {
			return nil, err
		}
	}
	if len(query) > 0 {
		merged := target.Query()
		for k, vs := range query {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		target.RawQuery = merged.Encode()
	}

	attempts := c.retry.Attempts
	if attempts == 0 {
		attempts = 1
	}

	var body []byte
	err = retry.Do(
		func() error {
			var reqErr error
			body, reqErr = c.get(ctx, target.String())
			return reqErr
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !IsProtocolError(err) && ctx.Err() == nil
		}),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return c.retry.backoff(n)
		}),
		retry.OnRetry(func(n uint, err error) {
			metrics.HTTPRetry(op)
			slog.Debug("retrying request", "op", op, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *HTTPClient) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &ProtocolError{Reason: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		pe := &ProtocolError{StatusCode: resp.StatusCode}
		if reason := errorReason(body); reason != "" {
			pe.Reason = reason
		}
		return nil, pe
	}
	if reason := errorReason(body); reason != "" {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Reason: reason}
	}
	if !json.Valid(body) {
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Reason: "response is not valid JSON"}
	}
	return body, nil
}

// errorReason extracts the reason of an LNURL ({"status":"ERROR"}) or
// gateway ({"status":"error"}) error body.
func errorReason(body []byte) string {
	var e struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil || !strings.EqualFold(e.Status, "error") {
		return ""
	}
	switch {
	case e.Reason != "":
		return e.Reason
	case e.Error != "":
		return e.Error
	default:
		return "endpoint reported an error"
	}
}
