// Package client sends signed requests to the content platform and
// classifies its response envelopes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/1195214305/xhs-backend/pkg/observability"
	"github.com/1195214305/xhs-backend/pkg/retry"
	"github.com/1195214305/xhs-backend/pkg/signature"
)

const maxBodyBytes = 16 << 20

// Signer produces signature headers for a request.
type Signer interface {
	Sign(ctx context.Context, req *signature.Request, timeout time.Duration) (*signature.Result, error)
}

// CookieSource supplies the platform session cookies.
type CookieSource interface {
	Cookies(ctx context.Context) (map[string]string, error)
}

// Envelope is the platform's generic response shape. Raw holds the body as
// received.
type Envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Msg     string          `json:"msg,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration // per attempt
	SignTimeout time.Duration // zero uses the signer's default
	Retry       retry.Policy
	UserAgent   string
	Origin      string
	Referer     string

	Logger        *slog.Logger
	Observability *observability.Provider
}

// Client is safe for concurrent use.
type Client struct {
	opts    Options
	signer  Signer
	cookies CookieSource
	http    *http.Client
	logger  *slog.Logger
	obs     *observability.Provider
}

// New returns a Client. cookies may be nil.
func New(signer Signer, cookies CookieSource, opts Options) *Client {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	c := &Client{
		opts:    opts,
		signer:  signer,
		cookies: cookies,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
		obs:     opts.Observability,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "client")
	if c.obs == nil {
		c.obs = observability.Noop()
	}
	return c
}

// Call signs and sends one request. payload may be nil, raw JSON bytes or any
// JSON-marshalable value. path may carry a query string.
//
// Every attempt is signed afresh. Signing failures and business errors
// return immediately; transport failures and 5xx responses are retried.
func (c *Client) Call(ctx context.Context, method, path string, payload any) (env *Envelope, err error) {
	ctx, done := c.obs.Operation(ctx, "upstream.call",
		attribute.String("http.method", method),
		attribute.String("path", pathOnly(path)),
	)
	attempts := 0
	defer func() {
		c.obs.UpstreamCompleted(ctx, callOutcome(err), attempts)
		done(err)
	}()

	body, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	var cookies map[string]string
	if c.cookies != nil {
		if cookies, err = c.cookies.Cookies(ctx); err != nil {
			return nil, fmt.Errorf("load cookies: %w", err)
		}
	}

	schedule := c.opts.Retry.Schedule(method + " " + pathOnly(path))
	var lastErr error
	for attempt, delay := range schedule {
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, &NetworkError{Attempts: attempt, Err: errors.Join(lastErr, err)}
		}
		attempts = attempt + 1

		req, err := signature.NewRequest(method, path, body, cookies)
		if err != nil {
			return nil, err
		}
		sig, err := c.signer.Sign(ctx, req, c.opts.SignTimeout)
		if err != nil {
			return nil, err
		}

		env, retryable, err := c.send(ctx, req, sig)
		if err == nil {
			return env, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, &NetworkError{Attempts: attempt + 1, Err: err}
		}
		c.logger.WarnContext(ctx, "upstream attempt failed",
			"path", pathOnly(path), "attempt", attempt+1, "of", len(schedule), "error", err)
	}
	return nil, &NetworkError{Attempts: len(schedule), Err: lastErr}
}

// callOutcome classifies the result of Call for telemetry.
func callOutcome(err error) string {
	var (
		be *BusinessError
		ne *NetworkError
		ue *signature.UnavailableError
	)
	switch {
	case err == nil:
		return observability.UpstreamOK
	case errors.As(err, &be):
		return observability.UpstreamBusiness
	case errors.As(err, &ne):
		return observability.UpstreamNetwork
	case errors.As(err, &ue):
		return observability.UpstreamSigning
	default:
		return observability.UpstreamOther
	}
}

// send performs one HTTP exchange. retryable reports whether a failure is
// transient.
func (c *Client) send(ctx context.Context, req *signature.Request, sig *signature.Result) (*Envelope, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Payload) > 0 {
		bodyReader = bytes.NewReader(req.Payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.opts.BaseURL+req.Path, bodyReader)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}

	for name, value := range sig.Headers {
		httpReq.Header.Set(name, value)
	}
	if cookie := cookieHeader(req.Cookies); cookie != "" {
		httpReq.Header.Set("Cookie", cookie)
	}
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}
	httpReq.Header.Set("Accept", "application/json, text/plain, */*")
	setIfNotEmpty(httpReq.Header, "Origin", c.opts.Origin)
	setIfNotEmpty(httpReq.Header, "Referer", c.opts.Referer)
	setIfNotEmpty(httpReq.Header, "User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, true, &StatusError{StatusCode: resp.StatusCode, Body: snippet(raw)}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || !looksLikeEnvelope(raw) {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, false, &StatusError{StatusCode: resp.StatusCode, Body: snippet(raw)}
		}
		return nil, false, fmt.Errorf("%w: %s", ErrMalformedEnvelope, snippet(raw))
	}
	env.Raw = raw

	if !env.Success || env.Code != 0 {
		return nil, false, &BusinessError{Code: env.Code, Msg: env.Msg, HTTPStatus: resp.StatusCode}
	}
	return &env, false, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

// looksLikeEnvelope requires the success field, which every platform
// envelope carries.
func looksLikeEnvelope(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe["success"]
	return ok
}

func cookieHeader(cookies map[string]string) string {
	if len(cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(cookies))
	for k := range cookies {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+cookies[k])
	}
	return strings.Join(parts, "; ")
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func pathOnly(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func snippet(raw []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(raw))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
