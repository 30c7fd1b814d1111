// Package credentials stores the platform session cookies, encrypted at rest
// with AES-256-GCM. Saving a cookie set invalidates every earlier one.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNoCredentials means no valid cookie set is stored or configured.
var ErrNoCredentials = errors.New("no valid credentials")

// userIDCookies are concatenated, in order, to form a cookie set's user id.
var userIDCookies = []string{"a1", "webId", "gid", "web_session"}

// CookieSet is one saved login.
type CookieSet struct {
	ID        int64             `json:"id"`
	UserID    string            `json:"user_id"`
	Cookies   map[string]string `json:"-"`
	Valid     bool              `json:"is_valid"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Status is the public view of the active credentials.
type Status struct {
	Authenticated bool       `json:"authenticated"`
	Source        string     `json:"source,omitempty"` // "store" or "env"
	UserID        string     `json:"user_id,omitempty"`
	CookieNames   []string   `json:"cookie_names,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
}

// Store manages encrypted cookie storage.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	encKey     []byte
	envCookies map[string]string
	mu         sync.RWMutex
}

// StoreOption configures the credential store.
type StoreOption func(*Store)

// WithEnvCookies sets a cookie header string used when nothing is stored.
func WithEnvCookies(header string) StoreOption {
	return func(s *Store) {
		s.envCookies = ParseCookieHeader(header)
	}
}

// NewStore creates a credential store. encryptionKey must be exactly 32
// bytes for AES-256.
func NewStore(db *sql.DB, dialect Dialect, encryptionKey []byte, opts ...StoreOption) (*Store, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	s := &Store{db: db, dialect: dialect, encKey: encryptionKey}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureSchema creates the cookie_sets table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema()); err != nil {
		return fmt.Errorf("create credentials schema: %w", err)
	}
	return nil
}

// Save invalidates all stored cookie sets and stores cookies as the single
// valid one. It returns the derived user id.
func (s *Store) Save(ctx context.Context, cookies map[string]string) (string, error) {
	if len(cookies) == 0 {
		return "", errors.New("cookie set is empty")
	}

	plain, err := json.Marshal(cookies)
	if err != nil {
		return "", fmt.Errorf("encode cookies: %w", err)
	}
	enc, err := s.encrypt(string(plain))
	if err != nil {
		return "", fmt.Errorf("encrypt cookies: %w", err)
	}
	userID := UserID(cookies)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE cookie_sets SET is_valid = $1, updated_at = $2 WHERE is_valid = $3`, false, now, true); err != nil {
		return "", fmt.Errorf("invalidate previous credentials: %w", err)
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO cookie_sets (user_id, cookies, is_valid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`, userID, enc, true, now).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert credentials: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return userID, nil
}

// Active returns the valid stored cookie set, or the environment cookies
// when nothing is stored. It returns ErrNoCredentials when neither exists.
func (s *Store) Active(ctx context.Context) (*CookieSet, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var set CookieSet
	var enc string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, cookies, is_valid, created_at, updated_at
		FROM cookie_sets
		WHERE is_valid = $1
		ORDER BY id DESC
		LIMIT 1
	`, true).Scan(&set.ID, &set.UserID, &enc, &set.Valid, &set.CreatedAt, &set.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		if len(s.envCookies) > 0 {
			return &CookieSet{
				UserID:  UserID(s.envCookies),
				Cookies: cloneCookies(s.envCookies),
				Valid:   true,
			}, "env", nil
		}
		return nil, "", ErrNoCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("query credentials: %w", err)
	}

	plain, err := s.decrypt(enc)
	if err != nil {
		return nil, "", fmt.Errorf("decrypt credentials: %w", err)
	}
	if err := json.Unmarshal([]byte(plain), &set.Cookies); err != nil {
		return nil, "", fmt.Errorf("decode credentials: %w", err)
	}
	return &set, "store", nil
}

// Cookies implements client.CookieSource. With no credentials it returns an
// empty set so calls still reach the platform, which answers with a
// business error.
func (s *Store) Cookies(ctx context.Context) (map[string]string, error) {
	set, _, err := s.Active(ctx)
	if errors.Is(err, ErrNoCredentials) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return set.Cookies, nil
}

// InvalidateAll marks every stored cookie set invalid and returns how many
// were valid.
func (s *Store) InvalidateAll(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE cookie_sets SET is_valid = $1, updated_at = $2 WHERE is_valid = $3`,
		false, time.Now().UTC(), true)
	if err != nil {
		return 0, fmt.Errorf("invalidate credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate credentials: %w", err)
	}
	return n, nil
}

// Status reports whether usable credentials exist without exposing values.
func (s *Store) Status(ctx context.Context) (*Status, error) {
	set, source, err := s.Active(ctx)
	if errors.Is(err, ErrNoCredentials) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(set.Cookies))
	for k := range set.Cookies {
		names = append(names, k)
	}
	sort.Strings(names)

	st := &Status{
		Authenticated: true,
		Source:        source,
		UserID:        maskUserID(set.UserID),
		CookieNames:   names,
	}
	if !set.CreatedAt.IsZero() {
		created := set.CreatedAt
		st.CreatedAt = &created
	}
	return st, nil
}

// UserID concatenates the identifying cookies of a set.
func UserID(cookies map[string]string) string {
	var b strings.Builder
	for _, k := range userIDCookies {
		b.WriteString(cookies[k])
	}
	return b.String()
}

// ParseCookieHeader parses "k1=v1; k2=v2" into a map. Malformed pairs are
// skipped.
func ParseCookieHeader(header string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || k == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func maskUserID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:4] + "..." + id[len(id)-4:]
}

func cloneCookies(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// encrypt encrypts plaintext using AES-256-GCM.
func (s *Store) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts ciphertext using AES-256-GCM.
func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, cipherBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, cipherBytes, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
