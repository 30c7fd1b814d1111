package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, f *Fingerprinter, method, path, payload string) string {
	t.Helper()
	var body []byte
	if payload != "" {
		body = []byte(payload)
	}
	req, err := NewRequest(method, path, body, nil)
	require.NoError(t, err)
	key, err := f.Key(req)
	require.NoError(t, err)
	return key
}

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	f := NewFingerprinter()
	a := mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", `{"keyword":"咖啡","page":1,"sort":"general"}`)
	b := mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", "{ \"sort\": \"general\",\n \"page\": 1, \"keyword\": \"咖啡\" }")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprintIgnoresVolatileFields(t *testing.T) {
	f := NewFingerprinter()
	a := mustKey(t, f, "POST", "/api/sns/web/v1/homefeed", `{"cursor_score":"","num":31,"note_index":0}`)
	b := mustKey(t, f, "POST", "/api/sns/web/v1/homefeed", `{"cursor_score":"1.7e12","num":31,"note_index":24}`)
	assert.Equal(t, a, b)

	q1 := mustKey(t, f, "GET", "/api/sns/web/v1/you/likes?num=20&cursor=", "")
	q2 := mustKey(t, f, "GET", "/api/sns/web/v1/you/likes?cursor=abc&num=20", "")
	assert.Equal(t, q1, q2)
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	f := NewFingerprinter()
	base := mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", `{"keyword":"a"}`)

	assert.NotEqual(t, base, mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", `{"keyword":"b"}`))
	assert.NotEqual(t, base, mustKey(t, f, "POST", "/api/sns/web/v1/search/onebox", `{"keyword":"a"}`))
	assert.NotEqual(t, base, mustKey(t, f, "PUT", "/api/sns/web/v1/search/notes", `{"keyword":"a"}`))
	assert.NotEqual(t,
		mustKey(t, f, "GET", "/api/sns/web/v1/search/recommend?keyword=a", ""),
		mustKey(t, f, "GET", "/api/sns/web/v1/search/recommend?keyword=b", ""))
}

func TestFingerprintNormalizesUnicode(t *testing.T) {
	f := NewFingerprinter()
	// "é" precomposed versus "e" + combining acute accent.
	a := mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", `{"keyword":"caf\u00e9"}`)
	b := mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", `{"keyword":"cafe\u0301"}`)
	assert.Equal(t, a, b)
}

func TestFingerprintIgnoresCookies(t *testing.T) {
	f := NewFingerprinter()
	r1, err := NewRequest("GET", "/api/sns/web/v2/user/me", nil, map[string]string{"a1": "x"})
	require.NoError(t, err)
	r2, err := NewRequest("GET", "/api/sns/web/v2/user/me", nil, map[string]string{"a1": "y"})
	require.NoError(t, err)

	k1, err := f.Key(r1)
	require.NoError(t, err)
	k2, err := f.Key(r2)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestFingerprintCustomVolatileKeys(t *testing.T) {
	f := NewFingerprinter("page")
	a := mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", `{"keyword":"a","page":1}`)
	b := mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", `{"keyword":"a","page":2}`)
	assert.Equal(t, a, b)

	// cursor is no longer volatile with a custom list.
	c := mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", `{"keyword":"a","cursor":"1"}`)
	d := mustKey(t, f, "POST", "/api/sns/web/v1/search/notes", `{"keyword":"a","cursor":"2"}`)
	assert.NotEqual(t, c, d)
}

func TestNewRequestValidation(t *testing.T) {
	_, err := NewRequest("GET", "relative/path", nil, nil)
	assert.Error(t, err)

	_, err = NewRequest("POST", "/api/x", []byte(`{not json`), nil)
	assert.Error(t, err)

	r1, err := NewRequest("post", "/api/x?y=1", []byte(`{ "a" : 1 }`), nil)
	require.NoError(t, err)
	assert.Equal(t, "POST", r1.Method)
	assert.JSONEq(t, `{"a":1}`, string(r1.Payload))
	assert.Equal(t, "/api/x", r1.PathOnly())

	r2, err := NewRequest("GET", "/api/x", nil, nil)
	require.NoError(t, err)
	assert.Greater(t, r2.ID, r1.ID)
}

func TestHeadersMissing(t *testing.T) {
	h := Headers{HeaderXS: "s", HeaderXT: ""}
	assert.Equal(t, []string{HeaderXT, HeaderXSCommon}, h.Missing())
	assert.False(t, h.Complete())

	h[HeaderXT] = "1"
	h[HeaderXSCommon] = "c"
	assert.True(t, h.Complete())
	assert.Equal(t, []string{HeaderXS, HeaderXSCommon, HeaderXT}, h.Names())
}
