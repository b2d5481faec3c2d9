package natives

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"taskhost/internal/scope"
)

const (
	defaultHTTPTimeout  = 15 * time.Second
	defaultMaxBodyBytes = 1 << 20
	defaultUserAgent    = "taskhost/1"
)

var ErrBodyTooLarge = errors.New("response body too large")

type HTTPConfig struct {
	Timeout      time.Duration
	RatePerSec   float64 // 0 = unlimited
	Burst        int
	UserAgent    string
	MaxBodyBytes int64
}

// HTTPClient is the outbound HTTP capability. Requests share one token bucket.
type HTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter
	ua      string
	maxBody int64
	timeout time.Duration
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	c := &HTTPClient{
		client:  &http.Client{Timeout: cfg.Timeout},
		ua:      cfg.UserAgent,
		maxBody: cfg.MaxBodyBytes,
		timeout: cfg.Timeout,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RatePerSec))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c
}

type HTTPRequestSpec struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	// JSON holds the decoded body when the response is application/json.
	JSON any `json:"json,omitempty"`
}

// Do performs req after waiting for the rate limiter.
func (c *HTTPClient) Do(ctx context.Context, req HTTPRequestSpec) (HTTPResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return HTTPResponse{}, fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return HTTPResponse{}, fmt.Errorf("url: scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return HTTPResponse{}, errors.New("url: missing host")
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return HTTPResponse{}, fmt.Errorf("rate limit: %w", err)
		}
	}
	if req.Timeout > 0 && req.Timeout < c.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return HTTPResponse{}, err
	}
	hr.Header.Set("User-Agent", c.ua)
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}

	resp, err := c.client.Do(hr)
	if err != nil {
		return HTTPResponse{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return HTTPResponse{}, err
	}
	if int64(len(raw)) > c.maxBody {
		return HTTPResponse{}, fmt.Errorf("%w: limit %d bytes", ErrBodyTooLarge, c.maxBody)
	}

	out := HTTPResponse{Status: resp.StatusCode, Headers: flattenHeader(resp.Header), Body: string(raw)}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "application/json" || strings.HasSuffix(mt, "+json") {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			out.JSON = v
		}
	}
	return out, nil
}

// flattenHeader keeps the first value per header, keyed by the lower-cased name.
func flattenHeader(h http.Header) map[string]string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if vs := h[k]; len(vs) > 0 {
			out[strings.ToLower(k)] = vs[0]
		}
	}
	return out
}

// HTTPRequest performs {method, url, headers, body, timeout_ms}. A table body
// is sent as JSON. Non-2xx statuses are results, not errors.
func HTTPRequest(ctx context.Context, sc *scope.Scope, params any) (any, error) {
	a, err := parseArgs(params)
	if err != nil {
		return nil, err
	}
	client, err := scope.Get[*HTTPClient](sc)
	if err != nil {
		return nil, err
	}

	var req HTTPRequestSpec
	if req.URL, err = a.requireStr("url"); err != nil {
		return nil, err
	}
	if req.Method, err = a.str("method"); err != nil {
		return nil, err
	}
	hdr, err := a.object("headers")
	if err != nil {
		return nil, err
	}
	if req.Headers, err = stringMap("headers", hdr); err != nil {
		return nil, err
	}
	if ms, ok, err := a.integer("timeout_ms"); err != nil {
		return nil, err
	} else if ok && ms > 0 {
		req.Timeout = time.Duration(ms) * time.Millisecond
	}

	switch b := a["body"].(type) {
	case nil:
	case string:
		req.Body = []byte(b)
	default:
		j, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("body: %w", err)
		}
		req.Body = j
		if !hasHeader(req.Headers, "Content-Type") {
			req.Headers["Content-Type"] = "application/json"
		}
	}

	return client.Do(ctx, req)
}

func hasHeader(h map[string]string, name string) bool {
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
