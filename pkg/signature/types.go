// Package signature produces the platform's anti-tampering header set for an
// outbound call. Headers come from the live signing engine when it is
// healthy and from the fallback cache otherwise.
package signature

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// Source tags where a Result's headers came from.
type Source string

const (
	SourceEngine   Source = "engine"
	SourceFallback Source = "fallback"
)

// Signature header names, lower-case as the engine reports them.
const (
	HeaderXS          = "x-s"
	HeaderXT          = "x-t"
	HeaderXSCommon    = "x-s-common"
	HeaderB3TraceID   = "x-b3-traceid"
	HeaderXrayTraceID = "x-xray-traceid"
)

// RequiredHeaders must all be present and non-empty for a header set to be
// usable.
var RequiredHeaders = []string{HeaderXS, HeaderXT, HeaderXSCommon}

// Headers maps signature header name to value.
type Headers map[string]string

// Missing returns the required header names that are absent or empty.
func (h Headers) Missing() []string {
	var missing []string
	for _, name := range RequiredHeaders {
		if h[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// Complete reports whether every required header is present.
func (h Headers) Complete() bool {
	return len(h.Missing()) == 0
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	return maps.Clone(h)
}

// Names returns the header names in sorted order.
func (h Headers) Names() []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var requestSeq atomic.Uint64

// Request describes one pending outbound call. It is built once by
// NewRequest and must not be mutated afterwards.
type Request struct {
	ID      uint64
	Method  string
	Path    string // path with optional query string, e.g. /api/sns/web/v1/search/recommend?keyword=x
	Payload json.RawMessage
	Cookies map[string]string
}

// NewRequest builds a Request with the next request id. The payload, when
// present, must be JSON; it is stored compacted.
func NewRequest(method, path string, payload []byte, cookies map[string]string) (*Request, error) {
	if path == "" || !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("signature request: path %q must be absolute", path)
	}
	if _, err := url.ParseRequestURI(path); err != nil {
		return nil, fmt.Errorf("signature request: invalid path %q: %w", path, err)
	}

	var raw json.RawMessage
	if len(bytes.TrimSpace(payload)) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, payload); err != nil {
			return nil, fmt.Errorf("signature request: payload is not JSON: %w", err)
		}
		raw = buf.Bytes()
	}

	return &Request{
		ID:      requestSeq.Add(1),
		Method:  strings.ToUpper(method),
		Path:    path,
		Payload: raw,
		Cookies: maps.Clone(cookies),
	}, nil
}

// PathOnly returns the request path without its query string.
func (r *Request) PathOnly() string {
	if i := strings.IndexByte(r.Path, '?'); i >= 0 {
		return r.Path[:i]
	}
	return r.Path
}

// Result is a complete signature header set for one Request.
type Result struct {
	RequestID uint64
	Headers   Headers
	Source    Source
	IssuedAt  time.Time
	ExpiresAt time.Time
}
