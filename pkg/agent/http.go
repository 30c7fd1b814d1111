package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type httpSignRequest struct {
	Method  string            `json:"method"`
	URI     string            `json:"uri"`
	Cookies map[string]string `json:"cookies"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

type httpSignResponse struct {
	Success      bool   `json:"success"`
	XS           string `json:"x_s"`
	XT           string `json:"x_t"`
	XSCommon     string `json:"x_s_common"`
	XB3TraceID   string `json:"x_b3_traceid"`
	XXrayTraceID string `json:"x_xray_traceid"`
	Error        string `json:"error"`
}

type httpHealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// httpTransport talks to an engine serving POST /sign and GET /health on a
// local address.
type httpTransport struct {
	baseURL string
	client  *http.Client
}

func newHTTPTransport(baseURL string, client *http.Client) *httpTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &httpTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *httpTransport) sign(ctx context.Context, req *SignRequest) (map[string]string, error) {
	cookies := req.Cookies
	if cookies == nil {
		cookies = map[string]string{}
	}
	body, err := json.Marshal(httpSignRequest{
		Method:  req.Method,
		URI:     req.URI,
		Cookies: cookies,
		Payload: req.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode engine request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create engine request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("engine request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, snippet)
	}

	var out httpSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("%w: %s", ErrEngineRejected, out.Error)
	}

	headers := map[string]string{
		"x-s":            out.XS,
		"x-t":            out.XT,
		"x-s-common":     out.XSCommon,
		"x-b3-traceid":   out.XB3TraceID,
		"x-xray-traceid": out.XXrayTraceID,
	}
	for k, v := range headers {
		if v == "" {
			delete(headers, k)
		}
	}
	return headers, nil
}

func (t *httpTransport) ping(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return "", fmt.Errorf("create health request: %w", err)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("health request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("engine health returned status %d", resp.StatusCode)
	}
	var out httpHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode health response: %w", err)
	}
	if out.Status != "" && out.Status != "healthy" {
		return "", fmt.Errorf("engine reports status %q", out.Status)
	}
	return out.Version, nil
}

func (t *httpTransport) close() error {
	t.client.CloseIdleConnections()
	return nil
}
