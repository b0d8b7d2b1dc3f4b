package intel

import (
	"testing"
	"time"

	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/stix"
)

func testIndicator(t *testing.T, typ content.Type, value string, until time.Time) *Indicator {
	t.Helper()
	c, err := content.New(typ, value)
	if err != nil {
		t.Fatalf("content %s: %v", value, err)
	}
	return &Indicator{
		ID:         stix.IndicatorIDFor(c),
		Content:    c,
		Pattern:    stix.PatternFor(c),
		Confidence: 100,
		ValidFrom:  until.Add(-time.Hour),
		ValidUntil: until,
		Modified:   until.Add(-time.Hour),
	}
}

func TestStore_PutAndGet(t *testing.T) {
	store := NewStore(10)
	defer store.Close()

	ind := testIndicator(t, content.DomainName, "x.invalid", time.Now().Add(time.Hour))
	store.Put(ind)

	got, ok := store.Get(ind.ID)
	if !ok {
		t.Fatal("expected to find indicator")
	}
	if got.Content != ind.Content {
		t.Errorf("content = %v, want %v", got.Content, ind.Content)
	}
	if _, ok := store.Get("indicator--missing"); ok {
		t.Error("found non-existent indicator")
	}
}

func TestStore_SinceOrdersByAdded(t *testing.T) {
	store := NewStore(10)
	defer store.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	store.now = func() time.Time { return now }

	a := testIndicator(t, content.DomainName, "a.invalid", base.Add(time.Hour))
	b := testIndicator(t, content.IPv4Addr, "192.0.2.1", base.Add(time.Hour))
	store.Put(a)
	now = base.Add(time.Second)
	store.Put(b)
	now = base.Add(2 * time.Second)
	// re-adding a moves it after b
	store.Put(a)

	page := store.Since(time.Time{}, 0)
	if len(page.Indicators) != 2 {
		t.Fatalf("got %d indicators, want 2", len(page.Indicators))
	}
	if page.Indicators[0].ID != b.ID || page.Indicators[1].ID != a.ID {
		t.Errorf("unexpected order: %s, %s", page.Indicators[0].Content, page.Indicators[1].Content)
	}

	page = store.Since(base.Add(time.Second), 0)
	if len(page.Indicators) != 1 || page.Indicators[0].ID != a.ID {
		t.Errorf("added_after filter returned %d indicators", len(page.Indicators))
	}
	if !page.First.Equal(base.Add(2 * time.Second)) {
		t.Errorf("first = %v", page.First)
	}
}

func TestStore_SinceLimit(t *testing.T) {
	store := NewStore(10)
	defer store.Close()

	until := time.Now().Add(time.Hour)
	store.Put(testIndicator(t, content.DomainName, "a.invalid", until))
	store.Put(testIndicator(t, content.DomainName, "b.invalid", until))
	store.Put(testIndicator(t, content.DomainName, "c.invalid", until))

	page := store.Since(time.Time{}, 2)
	if len(page.Indicators) != 2 || !page.More {
		t.Fatalf("got %d indicators more=%v, want 2 with more", len(page.Indicators), page.More)
	}
	rest := store.Since(page.Last, 2)
	if len(rest.Indicators) != 1 || rest.More {
		t.Errorf("second page: %d indicators more=%v", len(rest.Indicators), rest.More)
	}
	if rest.Indicators[0].Content.Value != "c.invalid" {
		t.Errorf("second page holds %s", rest.Indicators[0].Content)
	}
}

func TestStore_AddedTimesStrictlyIncrease(t *testing.T) {
	store := NewStore(10)
	defer store.Close()

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	first := store.Put(testIndicator(t, content.DomainName, "a.invalid", fixed.Add(time.Hour)))
	second := store.Put(testIndicator(t, content.DomainName, "b.invalid", fixed.Add(time.Hour)))
	if !second.After(first) {
		t.Errorf("second added %v not after first %v", second, first)
	}
}

func TestStore_LRUEviction(t *testing.T) {
	store := NewStore(2)
	defer store.Close()

	until := time.Now().Add(time.Hour)
	a := testIndicator(t, content.DomainName, "a.invalid", until)
	b := testIndicator(t, content.DomainName, "b.invalid", until)
	c := testIndicator(t, content.DomainName, "c.invalid", until)

	store.Put(a)
	store.Put(b)
	// updating a makes b the least recently added
	store.Put(a)
	store.Put(c)

	if _, ok := store.Get(b.ID); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := store.Get(a.ID); !ok {
		t.Error("a should still be present")
	}
	if store.Len() != 2 {
		t.Errorf("len = %d, want 2", store.Len())
	}
}

func TestStore_GCDropsExpired(t *testing.T) {
	store := NewStore(10)
	defer store.Close()

	now := time.Now()
	store.Put(testIndicator(t, content.DomainName, "old.invalid", now.Add(-time.Minute)))
	live := testIndicator(t, content.DomainName, "live.invalid", now.Add(time.Hour))
	store.Put(live)

	store.gc()
	if store.Len() != 1 {
		t.Fatalf("len = %d after gc, want 1", store.Len())
	}
	if _, ok := store.Get(live.ID); !ok {
		t.Error("live indicator was collected")
	}
}

func TestIndicator_IsActive(t *testing.T) {
	now := time.Now()
	ind := testIndicator(t, content.DomainName, "x.invalid", now.Add(time.Hour))
	if !ind.IsActive(now) {
		t.Error("indicator inside its window should be active")
	}
	ind.Revoked = true
	if ind.IsActive(now) {
		t.Error("revoked indicator should not be active")
	}
	ind.Revoked = false
	if ind.IsActive(now.Add(2 * time.Hour)) {
		t.Error("expired indicator should not be active")
	}
}
