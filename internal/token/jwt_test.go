package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

const sealIdentity = "identity--4c8d5a3b-0b4f-5b7e-9f0e-6a1d2c3b4a59"

func mockKeyring(t *testing.T) *Keyring {
	t.Helper()
	keys := map[string]string{
		"testkid": base64.RawURLEncoding.EncodeToString([]byte("supersecretkeythatisatleast16byteslong")),
	}
	kr, err := NewKeyring("HS256", keys, "testkid", "webcontentd-test", 0)
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}
	return kr
}

func TestKeyring_SignAndVerify(t *testing.T) {
	kr := mockKeyring(t)

	tokenStr, err := kr.Sign(sealIdentity, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	claims, err := kr.Verify(tokenStr)
	if err != nil {
		t.Fatalf("Verify failed for valid token: %v", err)
	}
	if claims.Identity != sealIdentity {
		t.Errorf("expected identity %q, got %q", sealIdentity, claims.Identity)
	}
}

func TestKeyring_SignRequiresIdentity(t *testing.T) {
	kr := mockKeyring(t)
	if _, err := kr.Sign("", time.Minute); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}
}

func TestKeyring_Expiration(t *testing.T) {
	kr := mockKeyring(t)
	now := time.Now()
	kr.nowFunc = func() time.Time { return now }

	tokenStr, err := kr.Sign(sealIdentity, time.Minute)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := kr.Verify(tokenStr); err == nil {
		t.Error("Verify passed for expired token")
	}
}

func TestKeyring_UnknownKID(t *testing.T) {
	kr := mockKeyring(t)
	tokenStr, _ := kr.Sign(sealIdentity, time.Minute)

	other := mockKeyring(t)
	other.Keys = map[string][]byte{"rotated": []byte("anothersecretthatisatleast16bytes")}
	if _, err := other.Verify(tokenStr); !errors.Is(err, ErrUnknownKID) {
		t.Errorf("expected ErrUnknownKID, got %v", err)
	}
}

func TestKeyring_IssuerMismatch(t *testing.T) {
	kr := mockKeyring(t)
	tokenStr, _ := kr.Sign(sealIdentity, time.Minute)

	kr.Issuer = "someone-else"
	if _, err := kr.Verify(tokenStr); !errors.Is(err, ErrIssuerMismatch) {
		t.Errorf("expected ErrIssuerMismatch, got %v", err)
	}
}

func TestKeyring_TamperedToken(t *testing.T) {
	kr := mockKeyring(t)
	tokenStr, _ := kr.Sign(sealIdentity, time.Minute)

	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		t.Fatal("Invalid JWT format")
	}
	payload := parts[1]
	if payload[0] == 'a' {
		payload = "b" + payload[1:]
	} else {
		payload = "a" + payload[1:]
	}
	if _, err := kr.Verify(parts[0] + "." + payload + "." + parts[2]); err == nil {
		t.Error("Verify passed for tampered token")
	}
}

func TestFromHeader(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":  "abc",
		"bearer  abc": "abc",
		"Basic abc":   "",
		"":            "",
	}
	for in, want := range cases {
		if got := FromHeader(in); got != want {
			t.Errorf("FromHeader(%q) = %q, want %q", in, got, want)
		}
	}
}
