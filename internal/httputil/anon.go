package httputil

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
)

// Anonymizer turns client addresses into stable pseudonyms for logs. The
// key is per process, so pseudonyms cannot be correlated across restarts.
type Anonymizer struct {
	key []byte
}

func NewAnonymizer() *Anonymizer {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return &Anonymizer{key: key}
}

// IP hashes the /24 (IPv6: /48) containing addr.
func (a *Anonymizer) IP(addr string) string {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "unknown"
	}
	ip = ip.Unmap()
	bits := 48
	if ip.Is4() {
		bits = 24
	}
	prefix, err := ip.Prefix(bits)
	if err != nil {
		return "unknown"
	}
	m := hmac.New(sha256.New, a.key)
	m.Write([]byte(prefix.String()))
	return hex.EncodeToString(m.Sum(nil))[:16]
}
