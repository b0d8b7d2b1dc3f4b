package webcontent

import (
	"context"
	"testing"
	"time"

	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/kb/memory"
	"webcontent/reputation-service/internal/stix"
)

// countingStore records how many writes reach the backing store.
type countingStore struct {
	*memory.Store
	patches int
}

func (s *countingStore) PatchObservable(ctx context.Context, id string, p kb.ObservablePatch) (*kb.Observable, error) {
	s.patches++
	return s.Store.PatchObservable(ctx, id, p)
}

func TestReconciler_NoWriteWhenUnchanged(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	r := NewReconciler(store, nil)
	ctx := context.Background()
	c := domain("steady.invalid")

	if _, err := r.ReconcileObservable(ctx, c, ObservableChange{Creator: sealIdentity, AddLabels: []string{LabelTrusted}}); err != nil {
		t.Fatalf("ReconcileObservable: %v", err)
	}
	if _, err := r.ReconcileObservable(ctx, c, ObservableChange{Creator: sealIdentity, AddLabels: []string{LabelTrusted}}); err != nil {
		t.Fatalf("ReconcileObservable: %v", err)
	}
	if _, err := r.ReconcileObservable(ctx, c, ObservableChange{RemoveLabels: legacyLabels}); err != nil {
		t.Fatalf("ReconcileObservable: %v", err)
	}
	if store.patches != 0 {
		t.Errorf("expected no patches for an empty delta, got %d", store.patches)
	}

	// A new creator alone is a change.
	obs, err := r.ReconcileObservable(ctx, c, ObservableChange{Creator: acmeIdentity})
	if err != nil {
		t.Fatalf("ReconcileObservable: %v", err)
	}
	if store.patches != 1 {
		t.Errorf("expected one patch for re-attribution, got %d", store.patches)
	}
	if obs.CreatorID() != acmeIdentity || !obs.HasLabel(LabelTrusted) {
		t.Errorf("unexpected observable after re-attribution: %+v", obs)
	}
}

func TestReconciler_RemovesDeprecatedLabels(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	c := domain("legacy.invalid")
	if _, err := store.CreateObservable(ctx, kb.ObservableInput{
		Content:   c,
		CreatedBy: sealIdentity,
		Labels:    []string{LabelAllowlisted, "phishing"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := NewReconciler(store, nil)
	obs, err := r.ReconcileObservable(ctx, c, ObservableChange{
		Creator:      acmeIdentity,
		AddLabels:    []string{LabelTrusted},
		RemoveLabels: legacyLabels,
	})
	if err != nil {
		t.Fatalf("ReconcileObservable: %v", err)
	}
	if obs.HasLabel(LabelAllowlisted) {
		t.Error("deprecated label should be removed")
	}
	if !obs.HasLabel(LabelTrusted) || !obs.HasLabel("phishing") {
		t.Errorf("expected trusted and unrelated labels to remain, got %+v", obs.Labels)
	}
	if obs.CreatorID() != acmeIdentity {
		t.Errorf("creator = %q, want %q", obs.CreatorID(), acmeIdentity)
	}
}

func TestReconciler_IndicatorWindow(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	r := NewReconciler(store, func() time.Time { return now })
	c := content.Content{Type: content.IPv6Addr, Value: "2001:db8::1"}

	obs, err := r.ReconcileObservable(ctx, c, ObservableChange{Creator: sealIdentity})
	if err != nil {
		t.Fatalf("ReconcileObservable: %v", err)
	}
	ind, err := r.ReconcileIndicator(ctx, c, sealIdentity, obs)
	if err != nil {
		t.Fatalf("ReconcileIndicator: %v", err)
	}
	if ind.ID != stix.IndicatorIDFor(c) {
		t.Errorf("indicator id %s, want %s", ind.ID, stix.IndicatorIDFor(c))
	}
	if !ind.ValidFrom.Equal(start) || !ind.ValidUntil.Equal(start.Add(kb.IndicatorLifetime)) {
		t.Errorf("unexpected window %v - %v", ind.ValidFrom, ind.ValidUntil)
	}
	if ind.Pattern != "[ipv6-addr:value = '2001:db8::1']" || ind.MainObservableType != "IPv6-Addr" {
		t.Errorf("unexpected indicator %+v", ind)
	}

	if _, err := r.RevokeIndicator(ctx, c); err != nil {
		t.Fatalf("RevokeIndicator: %v", err)
	}

	now = start.Add(48 * time.Hour)
	revived, err := r.ReconcileIndicator(ctx, c, acmeIdentity, obs)
	if err != nil {
		t.Fatalf("ReconcileIndicator: %v", err)
	}
	if revived.Revoked || revived.Score != kb.ScoreActive {
		t.Errorf("indicator not revived: %+v", revived)
	}
	if !revived.ValidFrom.Equal(now) || !revived.ValidUntil.Equal(now.Add(kb.IndicatorLifetime)) {
		t.Errorf("window not renewed: %v - %v", revived.ValidFrom, revived.ValidUntil)
	}
	if revived.CreatedBy == nil || revived.CreatedBy.ID != acmeIdentity {
		t.Errorf("indicator not re-attributed: %+v", revived.CreatedBy)
	}
	if n := store.Stats().Relationships; n != 1 {
		t.Errorf("revival should not add relationships, got %d", n)
	}
}
