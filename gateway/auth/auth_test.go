package auth

import (
	"bytes"
	"encoding/hex"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newTestAuthenticator(now time.Time) *Authenticator {
	creds := map[string]Credential{
		"key-1": {Secret: "topsecret", Account: "0x0101010101010101010101010101010101010101"},
	}
	return NewAuthenticator(creds, time.Minute, 5*time.Minute, func() time.Time { return now })
}

func TestAuthenticateAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	body := []byte(`{"jobId":1}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest("POST", "/v1/jobs/1/deposit", bytes.NewReader(body))
	req.Header.Set(HeaderAPIKey, "key-1")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-1")
	sig := ComputeSignature("topsecret", ts, "nonce-1", "POST", "/v1/jobs/1/deposit", body)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))

	principal, err := a.Authenticate(req, body)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "key-1" {
		t.Fatalf("principal key: %s", principal.APIKey)
	}
	if principal.Account == "" {
		t.Fatalf("principal must carry the bound account")
	}
}

func TestAuthenticateRejectsReplayedNonce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := hex.EncodeToString(ComputeSignature("topsecret", ts, "nonce-1", "POST", "/v1/jobs", body))

	for attempt := 0; attempt < 2; attempt++ {
		req := httptest.NewRequest("POST", "/v1/jobs", bytes.NewReader(body))
		req.Header.Set(HeaderAPIKey, "key-1")
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderNonce, "nonce-1")
		req.Header.Set(HeaderSignature, sig)
		_, err := a.Authenticate(req, body)
		if attempt == 0 && err != nil {
			t.Fatalf("first use: %v", err)
		}
		if attempt == 1 && err == nil {
			t.Fatalf("replayed nonce must be rejected")
		}
	}
}

func TestAuthenticateRejectsBadSignatureAndSkew(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	a := newTestAuthenticator(now)
	body := []byte(`{}`)
	ts := strconv.FormatInt(now.Unix(), 10)

	req := httptest.NewRequest("POST", "/v1/jobs", bytes.NewReader(body))
	req.Header.Set(HeaderAPIKey, "key-1")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, "nonce-2")
	req.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature("wrong", ts, "nonce-2", "POST", "/v1/jobs", body)))
	if _, err := a.Authenticate(req, body); err == nil {
		t.Fatalf("wrong secret must be rejected")
	}

	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	req2 := httptest.NewRequest("POST", "/v1/jobs", bytes.NewReader(body))
	req2.Header.Set(HeaderAPIKey, "key-1")
	req2.Header.Set(HeaderTimestamp, stale)
	req2.Header.Set(HeaderNonce, "nonce-3")
	req2.Header.Set(HeaderSignature, hex.EncodeToString(ComputeSignature("topsecret", stale, "nonce-3", "POST", "/v1/jobs", body)))
	if _, err := a.Authenticate(req2, body); err == nil {
		t.Fatalf("stale timestamp must be rejected")
	}

	req3 := httptest.NewRequest("POST", "/v1/jobs", bytes.NewReader(body))
	req3.Header.Set(HeaderAPIKey, "key-unknown")
	req3.Header.Set(HeaderTimestamp, ts)
	req3.Header.Set(HeaderNonce, "nonce-4")
	req3.Header.Set(HeaderSignature, "00")
	if _, err := a.Authenticate(req3, body); err == nil {
		t.Fatalf("unknown API key must be rejected")
	}
}

func TestCanonicalQuerySortsParameters(t *testing.T) {
	got := CanonicalQuery("b=2&a=1&a=0")
	if got != "a=0&a=1&b=2" {
		t.Fatalf("canonical query: %s", got)
	}
	if CanonicalQuery("") != "" {
		t.Fatalf("empty query must stay empty")
	}
}
