package signature

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// DefaultVolatileKeys are payload and query fields that change between
// otherwise equivalent requests (pagination cursors, per-search ids) and are
// left out of the fingerprint.
var DefaultVolatileKeys = []string{
	"cursor",
	"cursor_score",
	"note_index",
	"search_id",
	"request_id",
	"unread_begin_note_id",
	"unread_end_note_id",
	"unread_note_count",
	"timestamp",
}

// Fingerprinter derives the fallback cache key of a Request from its method,
// path, non-volatile query parameters and canonicalized payload. Cookies are
// not part of the key.
type Fingerprinter struct {
	volatile map[string]struct{}
}

// NewFingerprinter uses DefaultVolatileKeys when no keys are given.
func NewFingerprinter(volatileKeys ...string) *Fingerprinter {
	if len(volatileKeys) == 0 {
		volatileKeys = DefaultVolatileKeys
	}
	f := &Fingerprinter{volatile: make(map[string]struct{}, len(volatileKeys))}
	for _, k := range volatileKeys {
		f.volatile[k] = struct{}{}
	}
	return f
}

// Key returns the hex fingerprint of req.
func (f *Fingerprinter) Key(req *Request) (string, error) {
	u, err := url.ParseRequestURI(req.Path)
	if err != nil {
		return "", fmt.Errorf("fingerprint: parse path: %w", err)
	}

	query := u.Query()
	for k := range query {
		if f.isVolatile(k) {
			query.Del(k)
		}
	}

	canon := []byte("null")
	if len(req.Payload) > 0 {
		canon, err = f.canonicalPayload(req.Payload)
		if err != nil {
			return "", err
		}
	}

	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{'\n'})
	h.Write([]byte(norm.NFC.String(u.Path)))
	h.Write([]byte{'\n'})
	h.Write([]byte(norm.NFC.String(query.Encode())))
	h.Write([]byte{'\n'})
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (f *Fingerprinter) isVolatile(key string) bool {
	_, ok := f.volatile[key]
	return ok
}

// canonicalPayload drops volatile top-level fields, NFC-normalizes every
// string and emits RFC 8785 canonical JSON.
func (f *Fingerprinter) canonicalPayload(payload json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("fingerprint: decode payload: %w", err)
	}

	if obj, ok := v.(map[string]any); ok {
		for k := range obj {
			if f.isVolatile(k) {
				delete(obj, k)
			}
		}
	}

	data, err := json.Marshal(normalizeStrings(v))
	if err != nil {
		return nil, fmt.Errorf("fingerprint: encode payload: %w", err)
	}
	out, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: canonicalize payload: %w", err)
	}
	return out, nil
}

func normalizeStrings(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalizeStrings(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeStrings(val)
		}
		return t
	default:
		return v
	}
}
