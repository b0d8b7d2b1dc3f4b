// Package token mints and verifies the bearer tokens that authorise callers of
// the write endpoints. A token names the identity the caller acts as.
package token

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type OperatorClaims struct {
	// Identity is the standard id of the identity writes are attributed to.
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

type Keyring struct {
	Alg        string
	Keys       map[string][]byte // kid -> secret
	CurrentKID string
	Issuer     string
	SkewSec    int
	// MaxTTL caps Sign and rejects tokens issued for longer.
	MaxTTL time.Duration

	nowFunc func() time.Time
}

var (
	ErrEmptyToken     = errors.New("empty token")
	ErrMissingKID     = errors.New("missing kid")
	ErrUnknownKID     = errors.New("unknown kid")
	ErrIssuerMismatch = errors.New("issuer mismatch")
	ErrTTLTooLarge    = errors.New("token lifetime exceeds max")
	ErrExpMissing     = errors.New("exp missing")
	ErrNbfInFuture    = errors.New("nbf in the future")
	ErrNoIdentity     = errors.New("identity claim missing")
)

// NewKeyring loads base64url secrets. Only HMAC algorithms are accepted.
func NewKeyring(alg string, keys map[string]string, current, iss string, skew int) (*Keyring, error) {
	switch alg {
	case "HS256", "HS384", "HS512":
	default:
		return nil, errors.New("unsupported alg (expected HS256/384/512)")
	}
	kr := &Keyring{
		Alg:     alg,
		Keys:    make(map[string][]byte, len(keys)),
		Issuer:  iss,
		SkewSec: skew,
		MaxTTL:  90 * 24 * time.Hour,
		nowFunc: time.Now,
	}
	for kid, b64 := range keys {
		dec, err := base64.RawURLEncoding.DecodeString(b64)
		if err != nil {
			return nil, err
		}
		if len(dec) < 16 {
			return nil, errors.New("signing key too short; need >=16 bytes")
		}
		kr.Keys[kid] = dec
	}
	if _, ok := kr.Keys[current]; !ok {
		return nil, errors.New("current_kid not found in keys")
	}
	kr.CurrentKID = current
	if kr.Issuer == "" {
		kr.Issuer = "webcontentd"
	}
	return kr, nil
}

// Sign mints a token for identity. ttl is clamped to MaxTTL.
func (k *Keyring) Sign(identity string, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", ErrNoIdentity
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > k.MaxTTL {
		ttl = k.MaxTTL
	}
	now := k.nowFunc()
	claims := OperatorClaims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    k.Issuer,
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	t := jwt.NewWithClaims(jwt.GetSigningMethod(k.Alg), claims)
	t.Header["kid"] = k.CurrentKID
	secret := k.Keys[k.CurrentKID]
	if len(secret) == 0 {
		return "", errors.New("missing signing key for current_kid")
	}
	return t.SignedString(secret)
}

// Verify checks signature, issuer and time claims and returns the claims of
// a usable token.
func (k *Keyring) Verify(tok string) (*OperatorClaims, error) {
	if tok == "" {
		return nil, ErrEmptyToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{k.Alg}),
		jwt.WithStrictDecoding(),
		jwt.WithLeeway(time.Duration(k.SkewSec)*time.Second),
		jwt.WithTimeFunc(k.nowFunc),
	)
	var claims OperatorClaims
	token, err := parser.ParseWithClaims(tok, &claims, func(t *jwt.Token) (interface{}, error) {
		kidVal, ok := t.Header["kid"]
		if !ok {
			return nil, ErrMissingKID
		}
		kid, _ := kidVal.(string)
		secret, ok := k.Keys[kid]
		if !ok {
			return nil, ErrUnknownKID
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	if subtle.ConstantTimeCompare([]byte(claims.Issuer), []byte(k.Issuer)) != 1 {
		return nil, ErrIssuerMismatch
	}
	skew := time.Duration(k.SkewSec) * time.Second
	if claims.NotBefore != nil && k.nowFunc().Add(skew).Before(claims.NotBefore.Time) {
		return nil, ErrNbfInFuture
	}
	if claims.ExpiresAt == nil {
		return nil, ErrExpMissing
	}
	if claims.IssuedAt != nil && claims.ExpiresAt.Time.Sub(claims.IssuedAt.Time) > k.MaxTTL+skew {
		return nil, ErrTTLTooLarge
	}
	if claims.Identity == "" {
		return nil, ErrNoIdentity
	}
	return &claims, nil
}

// FromHeader extracts the token from an "Authorization: Bearer" value.
func FromHeader(h string) string {
	const prefix = "Bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
