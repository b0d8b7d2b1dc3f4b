// Package rate bounds how hard a single client can push the write endpoints:
// SlidingRPS estimates per-key request rate over a short window and
// Concurrency caps in-flight requests per key. Both keep a bounded LRU of keys.
package rate

import (
	"container/list"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type SlidingRPS struct {
	mu      sync.Mutex
	window  int // seconds
	cap     int // max keys retained
	items   map[string]*list.Element
	lru     *list.List // front = most recently used
	nowFunc func() int64
}

type rpsEntry struct {
	key      string
	startSec int64
	lastSec  int64
	buckets  []uint16 // one per second, oldest first
}

func NewSlidingRPS(window int) *SlidingRPS {
	return NewSlidingRPSWithCapacity(window, 10000)
}

func NewSlidingRPSWithCapacity(window, capacity int) *SlidingRPS {
	if window <= 0 {
		window = 10
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &SlidingRPS{
		window:  window,
		cap:     capacity,
		items:   make(map[string]*list.Element, capacity/2),
		lru:     list.New(),
		nowFunc: func() int64 { return time.Now().Unix() },
	}
}

// Add records one event for key and returns the estimated rate over the window.
func (s *SlidingRPS) Add(key string) float64 {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.lru.Len(); n > s.cap*90/100 && n%100 == 0 {
		log.Warn().Int("entries", n).Int("capacity", s.cap).Msg("rate limiter near capacity")
	}

	if el, ok := s.items[key]; ok {
		en := el.Value.(*rpsEntry)
		s.advance(en, now)
		if en.buckets[s.window-1] < 65535 {
			en.buckets[s.window-1]++
		}
		s.lru.MoveToFront(el)
		return s.estimate(en, now)
	}

	if s.lru.Len() >= s.cap {
		if back := s.lru.Back(); back != nil {
			delete(s.items, back.Value.(*rpsEntry).key)
			s.lru.Remove(back)
		}
	}
	en := &rpsEntry{
		key:      key,
		startSec: now,
		lastSec:  now,
		buckets:  make([]uint16, s.window),
	}
	en.buckets[s.window-1] = 1
	s.items[key] = s.lru.PushFront(en)
	return s.estimate(en, now)
}

// advance shifts buckets so the last one is now.
func (s *SlidingRPS) advance(en *rpsEntry, now int64) {
	if now <= en.lastSec {
		return
	}
	diff := now - en.lastSec
	if diff >= int64(s.window) {
		clear(en.buckets)
		en.startSec = now
		en.lastSec = now
		return
	}
	shift := int(diff)
	copy(en.buckets, en.buckets[shift:])
	clear(en.buckets[s.window-shift:])
	en.lastSec = now
}

func (s *SlidingRPS) estimate(en *rpsEntry, now int64) float64 {
	sum := 0
	for _, b := range en.buckets {
		sum += int(b)
	}
	span := int(now - en.startSec + 1)
	span = max(1, min(span, s.window))
	return float64(sum) / float64(span)
}

// Concurrency counts in-flight requests per key. Keys at zero become
// evictable once idle for idleTTL.
type Concurrency struct {
	mu      sync.Mutex
	cap     int
	items   map[string]*list.Element
	lru     *list.List
	idleTTL time.Duration
	nowFunc func() time.Time
}

type concEntry struct {
	key      string
	count    int
	lastSeen time.Time
}

func NewConcurrency(capacity int) *Concurrency {
	if capacity <= 0 {
		capacity = 50000
	}
	return &Concurrency{
		cap:     capacity,
		items:   make(map[string]*list.Element, capacity/2),
		lru:     list.New(),
		idleTTL: 120 * time.Second,
		nowFunc: time.Now,
	}
}

// Acquire takes a slot for key if fewer than limit are held and returns the
// resulting count. A full table refuses new keys.
func (c *Concurrency) Acquire(key string, limit int) (bool, int) {
	if limit <= 0 {
		return false, 0
	}
	now := c.nowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		en := el.Value.(*concEntry)
		en.lastSeen = now
		c.lru.MoveToFront(el)
		if en.count >= limit {
			return false, en.count
		}
		en.count++
		return true, en.count
	}

	c.evictIdleZeros(now)
	if c.lru.Len() >= c.cap {
		return false, 0
	}
	en := &concEntry{key: key, count: 1, lastSeen: now}
	c.items[key] = c.lru.PushFront(en)
	return true, 1
}

func (c *Concurrency) Release(key string) {
	now := c.nowFunc()
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return
	}
	en := el.Value.(*concEntry)
	if en.count > 0 {
		en.count--
	}
	en.lastSeen = now
	if en.count == 0 {
		c.lru.MoveToBack(el)
	} else {
		c.lru.MoveToFront(el)
	}
}

func (c *Concurrency) evictIdleZeros(now time.Time) {
	for c.lru.Len() > 0 {
		back := c.lru.Back()
		en := back.Value.(*concEntry)
		if en.count != 0 || now.Sub(en.lastSeen) < c.idleTTL {
			return
		}
		delete(c.items, en.key)
		c.lru.Remove(back)
	}
}
