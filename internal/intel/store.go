package intel

import (
	"container/list"
	"sync"
	"time"
)

// Store is the published collection: the latest state of each indicator,
// ordered by when it was last added. It is bounded by an LRU and expired
// indicators are dropped by a background sweep.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*list.Element
	lru      *list.List // front = most recently added
	cap      int
	now      func() time.Time
	gcTicker *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	indicator *Indicator
	added     time.Time
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 50000
	}
	s := &Store{
		byID:     make(map[string]*list.Element),
		lru:      list.New(),
		cap:      capacity,
		now:      time.Now,
		gcTicker: time.NewTicker(5 * time.Minute),
		stopCh:   make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

// Put records the latest state of ind and returns its added time. Added
// times are strictly increasing so that added_after paging never skips.
func (s *Store) Put(ind *Indicator) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := s.now().UTC()
	if front := s.lru.Front(); front != nil {
		if last := front.Value.(*entry).added; !added.After(last) {
			added = last.Add(time.Microsecond)
		}
	}

	if el, ok := s.byID[ind.ID]; ok {
		en := el.Value.(*entry)
		en.indicator = ind
		en.added = added
		s.lru.MoveToFront(el)
		return added
	}
	if s.lru.Len() >= s.cap {
		s.evictOldest()
	}
	s.byID[ind.ID] = s.lru.PushFront(&entry{indicator: ind, added: added})
	return added
}

func (s *Store) Get(id string) (*Indicator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return el.Value.(*entry).indicator, true
}

// Page is a slice of the collection in added order.
type Page struct {
	Indicators []*Indicator
	First      time.Time
	Last       time.Time
	More       bool
}

// Since returns up to limit indicators added after t, oldest first.
func (s *Store) Since(t time.Time, limit int) Page {
	s.mu.RLock()
	var entries []*entry
	// added times increase toward the front
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		en := el.Value.(*entry)
		if en.added.After(t) {
			entries = append(entries, en)
		}
	}
	s.mu.RUnlock()

	var page Page
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
		page.More = true
	}
	for _, en := range entries {
		page.Indicators = append(page.Indicators, en.indicator)
	}
	if len(entries) > 0 {
		page.First = entries[0].added
		page.Last = entries[len(entries)-1].added
	}
	return page
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lru.Len()
}

func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.gcTicker.Stop()
	})
}

// evictOldest must be called with mu held.
func (s *Store) evictOldest() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	delete(s.byID, back.Value.(*entry).indicator.ID)
	s.lru.Remove(back)
}

func (s *Store) gcLoop() {
	for {
		select {
		case <-s.gcTicker.C:
			s.gc()
		case <-s.stopCh:
			return
		}
	}
}

// gc drops indicators whose validity window has passed.
func (s *Store) gc() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for el := s.lru.Front(); el != nil; {
		next := el.Next()
		en := el.Value.(*entry)
		if en.indicator.IsExpired(now) {
			delete(s.byID, en.indicator.ID)
			s.lru.Remove(el)
		}
		el = next
	}
}
