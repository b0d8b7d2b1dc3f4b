package token

import (
	"container/list"
	"crypto/sha256"
	"sync"
	"time"
)

// Verifier checks a raw bearer token.
type Verifier interface {
	Verify(tok string) (*OperatorClaims, error)
}

var _ Verifier = (*Keyring)(nil)

// CachedVerifier remembers successful verifications in a bounded LRU so a
// busy client is not re-verified on every write. Entries never outlive the
// token's own expiry.
type CachedVerifier struct {
	next Verifier
	now  func() time.Time

	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	items map[[32]byte]*list.Element
	lru   *list.List
}

type cacheVal struct {
	key    [32]byte
	claims *OperatorClaims
	expiry time.Time
}

func NewCachedVerifier(next Verifier, capacity int, ttl time.Duration) *CachedVerifier {
	if capacity <= 0 {
		capacity = 10_000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedVerifier{
		next:  next,
		now:   time.Now,
		cap:   capacity,
		ttl:   ttl,
		items: make(map[[32]byte]*list.Element, capacity/2),
		lru:   list.New(),
	}
}

func (c *CachedVerifier) Verify(tok string) (*OperatorClaims, error) {
	key := sha256.Sum256([]byte(tok))
	now := c.now()
	if claims, ok := c.get(key, now); ok {
		return claims, nil
	}
	claims, err := c.next.Verify(tok)
	if err != nil {
		return nil, err
	}
	expiry := now.Add(c.ttl)
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Before(expiry) {
		expiry = claims.ExpiresAt.Time
	}
	c.put(key, claims, expiry)
	return claims, nil
}

func (c *CachedVerifier) get(key [32]byte, now time.Time) (*OperatorClaims, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	val := el.Value.(*cacheVal)
	if now.Before(val.expiry) {
		c.lru.MoveToFront(el)
		return val.claims, true
	}
	delete(c.items, key)
	c.lru.Remove(el)
	return nil, false
}

func (c *CachedVerifier) put(key [32]byte, claims *OperatorClaims, expiry time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv := &cacheVal{key: key, claims: claims, expiry: expiry}
	if el, ok := c.items[key]; ok {
		el.Value = cv
		c.lru.MoveToFront(el)
		return
	}
	if c.lru.Len() >= c.cap {
		if back := c.lru.Back(); back != nil {
			delete(c.items, back.Value.(*cacheVal).key)
			c.lru.Remove(back)
		}
	}
	c.items[key] = c.lru.PushFront(cv)
}

// Len is the number of cached verifications.
func (c *CachedVerifier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
