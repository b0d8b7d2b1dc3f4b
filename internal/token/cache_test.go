package token

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type countingVerifier struct {
	calls  int
	claims *OperatorClaims
	err    error
}

func (v *countingVerifier) Verify(string) (*OperatorClaims, error) {
	v.calls++
	return v.claims, v.err
}

func TestCachedVerifier_CachesSuccess(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	inner := &countingVerifier{claims: &OperatorClaims{
		Identity:         "identity--a",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	}}
	c := NewCachedVerifier(inner, 10, time.Minute)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		claims, err := c.Verify("tok")
		if err != nil || claims.Identity != "identity--a" {
			t.Fatalf("Verify = %+v, %v", claims, err)
		}
	}
	if inner.calls != 1 {
		t.Errorf("inner verifier called %d times, want 1", inner.calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Verify("tok"); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("expired entry not re-verified: %d calls", inner.calls)
	}
}

func TestCachedVerifier_RespectsTokenExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	inner := &countingVerifier{claims: &OperatorClaims{
		Identity:         "identity--a",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Second))},
	}}
	c := NewCachedVerifier(inner, 10, time.Hour)
	c.now = func() time.Time { return now }

	c.Verify("tok")
	now = now.Add(11 * time.Second)
	c.Verify("tok")
	if inner.calls != 2 {
		t.Errorf("cached past token expiry: %d calls", inner.calls)
	}
}

func TestCachedVerifier_DoesNotCacheFailures(t *testing.T) {
	inner := &countingVerifier{err: errors.New("bad signature")}
	c := NewCachedVerifier(inner, 10, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := c.Verify("tok"); err == nil {
			t.Fatal("expected error")
		}
	}
	if inner.calls != 2 || c.Len() != 0 {
		t.Errorf("calls=%d len=%d, want 2 and 0", inner.calls, c.Len())
	}
}

func TestCachedVerifier_Evicts(t *testing.T) {
	inner := &countingVerifier{claims: &OperatorClaims{Identity: "identity--a"}}
	c := NewCachedVerifier(inner, 2, time.Minute)

	c.Verify("a")
	c.Verify("b")
	c.Verify("c")
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
	c.Verify("a")
	if inner.calls != 4 {
		t.Errorf("evicted token should be re-verified, calls = %d", inner.calls)
	}
}
