package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/1195214305/xhs-backend/pkg/agent"
	"github.com/1195214305/xhs-backend/pkg/client"
	"github.com/1195214305/xhs-backend/pkg/credentials"
)

const maxRequestBytes = 1 << 20

var defaultImageFormats = []string{"jpg", "webp", "avif"}

// Caller sends one signed platform request.
type Caller interface {
	Call(ctx context.Context, method, path string, payload any) (*client.Envelope, error)
}

// CredentialStore manages the platform session cookies.
type CredentialStore interface {
	Save(ctx context.Context, cookies map[string]string) (string, error)
	InvalidateAll(ctx context.Context) (int64, error)
	Status(ctx context.Context) (*credentials.Status, error)
}

// AgentStatus reports the signing engine's lifecycle.
type AgentStatus interface {
	Status() agent.Status
}

type handlers struct {
	caller  Caller
	creds   CredentialStore
	agent   AgentStatus
	schemas map[string]*jsonschema.Schema
}

// passthrough issues the call and writes the platform's envelope or the
// failure envelope.
func (h *handlers) passthrough(w http.ResponseWriter, r *http.Request, method, path string, payload any) {
	env, err := h.caller.Call(r.Context(), method, path, payload)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeEnvelope(w, env)
}

// decode reads the body, validates it against the named schema and
// unmarshals it into dst. An empty body is treated as {}.
func (h *handlers) decode(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		WriteBadRequest(w, r, "failed to read request body")
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	if s, ok := h.schemas[schema]; ok {
		if err := s.Validate(doc); err != nil {
			WriteBadRequest(w, r, validationDetail(err))
			return false
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func validationDetail(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		return fmt.Sprintf("request body invalid at %q: %s", leaf.InstanceLocation, leaf.Message)
	}
	return "request body invalid: " + err.Error()
}

func newSearchID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// Feed

type homefeedRequest struct {
	CursorScore string `json:"cursor_score"`
	Num         *int   `json:"num"`
	NoteIndex   int    `json:"note_index"`
	Category    string `json:"category"`
}

func (h *handlers) homefeed(w http.ResponseWriter, r *http.Request) {
	var req homefeedRequest
	if !h.decode(w, r, "homefeed", &req) {
		return
	}
	num := 31
	if req.Num != nil {
		num = *req.Num
	}
	category := req.Category
	if category == "" {
		category = "homefeed_recommend"
	}
	payload := map[string]any{
		"cursor_score":         req.CursorScore,
		"num":                  num,
		"refresh_type":         1,
		"note_index":           req.NoteIndex,
		"unread_begin_note_id": "",
		"unread_end_note_id":   "",
		"unread_note_count":    0,
		"category":             category,
		"search_key":           "",
		"need_num":             6,
		"image_formats":        defaultImageFormats,
		"need_filter_image":    false,
	}
	h.passthrough(w, r, http.MethodPost, "/api/sns/web/v1/homefeed", payload)
}

// Search

func (h *handlers) searchTrending(w http.ResponseWriter, r *http.Request) {
	q := url.Values{
		"source":                 {"Explore"},
		"search_type":            {"trend"},
		"last_query":             {""},
		"last_query_time":        {"0"},
		"word_request_situation": {"FIRST_ENTER"},
		"hint_word":              {""},
		"hint_word_type":         {""},
		"hint_word_request_id":   {""},
	}
	h.passthrough(w, r, http.MethodGet, withQuery("/api/sns/web/v1/search/querytrending", q), nil)
}

func (h *handlers) searchRecommend(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		WriteBadRequest(w, r, "keyword is required")
		return
	}
	q := url.Values{"keyword": {keyword}}
	h.passthrough(w, r, http.MethodGet, withQuery("/api/sns/web/v1/search/recommend", q), nil)
}

type searchNotesRequest struct {
	Keyword  string `json:"keyword"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	SearchID string `json:"search_id"`
	Sort     string `json:"sort"`
	NoteType int    `json:"note_type"`
}

func (h *handlers) searchNotes(w http.ResponseWriter, r *http.Request) {
	var req searchNotesRequest
	if !h.decode(w, r, "search_notes", &req) {
		return
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 20
	}
	if req.SearchID == "" {
		req.SearchID = newSearchID()
	}
	if req.Sort == "" {
		req.Sort = "general"
	}
	payload := map[string]any{
		"keyword":       req.Keyword,
		"page":          req.Page,
		"page_size":     req.PageSize,
		"search_id":     req.SearchID,
		"sort":          req.Sort,
		"note_type":     req.NoteType,
		"ext_flags":     []any{},
		"image_formats": defaultImageFormats,
	}
	h.passthrough(w, r, http.MethodPost, "/api/sns/web/v1/search/notes", payload)
}

type searchOneboxRequest struct {
	Keyword  string `json:"keyword"`
	SearchID string `json:"search_id"`
}

func (h *handlers) searchOnebox(w http.ResponseWriter, r *http.Request) {
	var req searchOneboxRequest
	if !h.decode(w, r, "search_onebox", &req) {
		return
	}
	if req.SearchID == "" {
		req.SearchID = newSearchID()
	}
	payload := map[string]any{
		"keyword":    req.Keyword,
		"search_id":  req.SearchID,
		"biz_type":   "web_search_user",
		"request_id": uuid.NewString(),
	}
	h.passthrough(w, r, http.MethodPost, "/api/sns/web/v1/search/onebox", payload)
}

func (h *handlers) searchFilter(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		WriteBadRequest(w, r, "keyword is required")
		return
	}
	searchID := r.URL.Query().Get("search_id")
	if searchID == "" {
		searchID = newSearchID()
	}
	q := url.Values{"keyword": {keyword}, "search_id": {searchID}}
	h.passthrough(w, r, http.MethodGet, withQuery("/api/sns/web/v1/search/filter", q), nil)
}

type searchUserRequest struct {
	Keyword  string `json:"keyword"`
	SearchID string `json:"search_id"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

func (h *handlers) searchUser(w http.ResponseWriter, r *http.Request) {
	var req searchUserRequest
	if !h.decode(w, r, "search_user", &req) {
		return
	}
	if req.Page == 0 {
		req.Page = 1
	}
	if req.PageSize == 0 {
		req.PageSize = 15
	}
	if req.SearchID == "" {
		req.SearchID = newSearchID()
	}
	payload := map[string]any{
		"search_user_request": map[string]any{
			"keyword":    req.Keyword,
			"search_id":  req.SearchID,
			"page":       req.Page,
			"page_size":  req.PageSize,
			"biz_type":   "web_search_user",
			"request_id": uuid.NewString(),
		},
	}
	h.passthrough(w, r, http.MethodPost, "/api/sns/web/v1/search/usersearch", payload)
}

// Notifications and user

func (h *handlers) notifications(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	switch kind {
	case "mentions", "connections", "likes":
	default:
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "unknown notification kind "+strconv.Quote(kind))
		return
	}
	num := r.URL.Query().Get("num")
	if num == "" {
		num = "20"
	}
	q := url.Values{"num": {num}, "cursor": {r.URL.Query().Get("cursor")}}
	h.passthrough(w, r, http.MethodGet, withQuery("/api/sns/web/v1/you/"+kind, q), nil)
}

func (h *handlers) userMe(w http.ResponseWriter, r *http.Request) {
	h.passthrough(w, r, http.MethodGet, "/api/sns/web/v2/user/me", nil)
}

// Notes

type noteDetailRequest struct {
	SourceNoteID string          `json:"source_note_id"`
	XsecToken    string          `json:"xsec_token"`
	XsecSource   string          `json:"xsec_source"`
	ImageFormats []string        `json:"image_formats"`
	Extra        json.RawMessage `json:"extra"`
}

func (h *handlers) noteDetail(w http.ResponseWriter, r *http.Request) {
	var req noteDetailRequest
	if !h.decode(w, r, "note_detail", &req) {
		return
	}
	if len(req.ImageFormats) == 0 {
		req.ImageFormats = defaultImageFormats
	}
	if req.XsecSource == "" {
		req.XsecSource = "pc_feed"
	}
	payload := map[string]any{
		"source_note_id": req.SourceNoteID,
		"image_formats":  req.ImageFormats,
		"xsec_source":    req.XsecSource,
		"xsec_token":     req.XsecToken,
	}
	if len(req.Extra) > 0 {
		payload["extra"] = req.Extra
	}
	h.passthrough(w, r, http.MethodPost, "/api/sns/web/v1/feed", payload)
}

func (h *handlers) notePage(w http.ResponseWriter, r *http.Request) {
	in := r.URL.Query()
	noteID := in.Get("note_id")
	if noteID == "" {
		WriteBadRequest(w, r, "note_id is required")
		return
	}
	q := url.Values{
		"note_id":       {noteID},
		"cursor":        {in.Get("cursor")},
		"xsec_token":    {in.Get("xsec_token")},
		"image_formats": {strings.Join(defaultImageFormats, ",")},
	}
	h.passthrough(w, r, http.MethodGet, withQuery("/api/sns/web/v2/comment/page", q), nil)
}

// Credentials

type saveCookiesRequest struct {
	Cookies map[string]string `json:"cookies"`
	Cookie  string            `json:"cookie"`
}

func (h *handlers) saveCookies(w http.ResponseWriter, r *http.Request) {
	var req saveCookiesRequest
	if !h.decode(w, r, "cookies", &req) {
		return
	}
	cookies := req.Cookies
	if len(cookies) == 0 {
		cookies = credentials.ParseCookieHeader(req.Cookie)
	}
	if len(cookies) == 0 {
		WriteBadRequest(w, r, "no cookies found in request")
		return
	}
	userID, err := h.creds.Save(r.Context(), cookies)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":    0,
		"success": true,
		"msg":     "cookies saved",
		"data":    map[string]any{"user_id": userID, "cookie_count": len(cookies)},
	})
}

func (h *handlers) deleteCookies(w http.ResponseWriter, r *http.Request) {
	n, err := h.creds.InvalidateAll(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":    0,
		"success": true,
		"msg":     "cookies cleared",
		"data":    map[string]any{"invalidated": n},
	})
}

func (h *handlers) authStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.creds.Status(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": 0, "success": true, "data": st})
}

// Status

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	st := h.agent.Status()
	status := "ok"
	if !st.Healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "agent": st.State})
}

func (h *handlers) agentStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.agent.Status())
}
