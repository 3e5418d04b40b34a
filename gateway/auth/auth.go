package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey is the header containing the caller's API key identifier.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 signature for the request.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size hashed during auth.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	defaultTimestampSkew = 2 * time.Minute
	defaultNonceTTL      = 10 * time.Minute
	defaultNonceCapacity = 4096
)

// Credential binds an API key to its shared secret and the platform account
// the key acts for. The settlement engine re-checks that account's role on
// every job, so a stolen key can still only act as its bound party.
type Credential struct {
	Secret  string
	Account string
}

// Principal represents an authenticated API client.
type Principal struct {
	APIKey  string
	Account string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator struct {
	credentials          map[string]Credential
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceStore
}

// NewAuthenticator builds an Authenticator keyed by API key identifier.
func NewAuthenticator(credentials map[string]Credential, skew, nonceTTL time.Duration, nowFn func() time.Time) *Authenticator {
	cloned := make(map[string]Credential, len(credentials))
	for key, cred := range credentials {
		cloned[strings.TrimSpace(key)] = Credential{
			Secret:  strings.TrimSpace(cred.Secret),
			Account: strings.TrimSpace(cred.Account),
		}
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceTTL
	}
	return &Authenticator{
		credentials:          cloned,
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        defaultNonceCapacity,
		nowFn:                nowFn,
		nonces:               make(map[string]*nonceStore),
	}
}

// Authenticate validates headers and signature, returning the caller
// principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	cred, ok := a.credentials[apiKey]
	if !ok || cred.Secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.allowedTimestampSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := ComputeSignature(cred.Secret, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.registerNonce(apiKey, timestampHeader, nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey, Account: cred.Account}, nil
}

// ComputeSignature derives the HMAC-SHA256 over the canonical request parts.
func ComputeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte("\n"))
	mac.Write([]byte(path))
	mac.Write([]byte("\n"))
	mac.Write(body)
	return mac.Sum(nil)
}

// CanonicalRequestPath renders the signed path including a sorted query
// string so clients and server agree on the exact bytes.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if query := CanonicalQuery(r.URL.RawQuery); query != "" {
		return path + "?" + query
	}
	return path
}

// CanonicalQuery sorts query parameters by key then value.
func CanonicalQuery(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, val := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// registerNonce reports whether the (timestamp, nonce) pair was already seen
// inside the TTL window for the key.
func (a *Authenticator) registerNonce(apiKey, timestamp, nonce string, now time.Time) bool {
	a.nonceMu.Lock()
	store, ok := a.nonces[apiKey]
	if !ok {
		store = newNonceStore(a.nonceCapacity, a.nonceTTL)
		a.nonces[apiKey] = store
	}
	a.nonceMu.Unlock()
	return store.seen(timestamp+"|"+nonce, now)
}

type nonceStore struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]time.Time
}

func newNonceStore(capacity int, ttl time.Duration) *nonceStore {
	return &nonceStore{capacity: capacity, ttl: ttl, entries: make(map[string]time.Time)}
}

func (s *nonceStore) seen(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	for k, at := range s.entries {
		if at.Before(cutoff) {
			delete(s.entries, k)
		}
	}
	if _, ok := s.entries[key]; ok {
		return true
	}
	if len(s.entries) >= s.capacity {
		// Evict the oldest entry to bound memory under a flood.
		var oldestKey string
		var oldestAt time.Time
		for k, at := range s.entries {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey, oldestAt = k, at
			}
		}
		delete(s.entries, oldestKey)
	}
	s.entries[key] = now
	return false
}
