package webcontent

import (
	"context"
	"fmt"
	"slices"
	"time"

	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/metrics"
	"webcontent/reputation-service/internal/stix"
)

// ObservableChange is the desired delta for an observable. An empty Creator
// leaves attribution untouched.
type ObservableChange struct {
	Creator      string
	AddLabels    []string
	RemoveLabels []string
}

// Reconciler performs idempotent create-or-update of observables and
// indicators against the knowledge base.
type Reconciler struct {
	store kb.Store
	now   func() time.Time
}

// NewReconciler uses now for indicator validity windows; nil means time.Now.
func NewReconciler(store kb.Store, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{store: store, now: now}
}

// ReconcileObservable creates the observable for c or converges the existing
// one towards ch.
func (r *Reconciler) ReconcileObservable(ctx context.Context, c content.Content, ch ObservableChange) (*kb.Observable, error) {
	existing, err := r.store.GetObservable(ctx, stix.ObservableID(c))
	if err != nil {
		return nil, fmt.Errorf("get observable %s: %w", c, err)
	}
	if existing != nil {
		return r.UpdateObservable(ctx, existing, ch)
	}
	return r.createObservable(ctx, c, ch)
}

func (r *Reconciler) createObservable(ctx context.Context, c content.Content, ch ObservableChange) (*kb.Observable, error) {
	obs, err := r.store.CreateObservable(ctx, kb.ObservableInput{
		Content:   c,
		CreatedBy: ch.Creator,
		Labels:    ch.AddLabels,
		Markings:  []string{stix.MarkingTLPClear},
	})
	if err != nil {
		return nil, fmt.Errorf("create observable %s: %w", c, err)
	}
	metrics.RecordWrites.WithLabelValues("observable", "create").Inc()

	// Domains have no related domain, so this recurses at most once.
	domain, ok := c.RelatedDomain()
	if !ok {
		return obs, nil
	}
	domainObs, err := r.ReconcileObservable(ctx, domain, ObservableChange{Creator: ch.Creator})
	if err != nil {
		return nil, err
	}
	if _, err := r.store.CreateRelationship(ctx, obs.ID, domainObs.ID, kb.RelRelatedTo); err != nil {
		return nil, fmt.Errorf("relate %s to %s: %w", c, domain, err)
	}
	metrics.RecordWrites.WithLabelValues("relationship", "create").Inc()
	return obs, nil
}

// UpdateObservable applies ch to an observable already read from the store.
// Labels are diffed against obs as read; nothing is written when neither the
// label set nor the creator would change.
func (r *Reconciler) UpdateObservable(ctx context.Context, obs *kb.Observable, ch ObservableChange) (*kb.Observable, error) {
	var add []string
	for _, l := range ch.AddLabels {
		if !obs.HasLabel(l) && !slices.Contains(add, l) {
			add = append(add, l)
		}
	}
	removing := slices.ContainsFunc(ch.RemoveLabels, obs.HasLabel)
	restamp := ch.Creator != "" && obs.CreatorID() != ch.Creator

	if len(add) == 0 && !removing && !restamp {
		return obs, nil
	}

	var patch kb.ObservablePatch
	if ch.Creator != "" {
		creator := ch.Creator
		patch.CreatedBy = &creator
	}
	if len(add) > 0 || removing {
		labels := make([]kb.Label, 0, len(obs.Labels)+len(add))
		for _, l := range obs.Labels {
			if !slices.Contains(ch.RemoveLabels, l.Value) {
				labels = append(labels, l)
			}
		}
		for _, v := range add {
			labels = append(labels, kb.Label{ID: stix.LabelID(v), Value: v})
		}
		patch.Labels = &labels
	}

	updated, err := r.store.PatchObservable(ctx, obs.ID, patch)
	if err != nil {
		return nil, fmt.Errorf("patch observable %s: %w", obs.ID, err)
	}
	metrics.RecordWrites.WithLabelValues("observable", "patch").Inc()
	return updated, nil
}

// ReconcileIndicator creates the blocking indicator for c, or revives and
// re-attributes the existing one. The based-on edge to obs is only created
// together with the indicator.
func (r *Reconciler) ReconcileIndicator(ctx context.Context, c content.Content, creator string, obs *kb.Observable) (*kb.Indicator, error) {
	pattern := stix.PatternFor(c)
	now := r.now().UTC()
	until := now.Add(kb.IndicatorLifetime)

	existing, err := r.store.GetIndicator(ctx, stix.IndicatorID(pattern))
	if err != nil {
		return nil, fmt.Errorf("get indicator %s: %w", c, err)
	}
	if existing != nil {
		score := kb.ScoreActive
		revoked := false
		ind, err := r.store.PatchIndicator(ctx, existing.ID, kb.IndicatorPatch{
			ValidFrom:  &now,
			ValidUntil: &until,
			Score:      &score,
			Revoked:    &revoked,
			CreatedBy:  &creator,
		})
		if err != nil {
			return nil, fmt.Errorf("patch indicator %s: %w", existing.ID, err)
		}
		metrics.RecordWrites.WithLabelValues("indicator", "patch").Inc()
		return ind, nil
	}

	ind, err := r.store.CreateIndicator(ctx, kb.IndicatorInput{
		Name:               c.Value,
		Pattern:            pattern,
		MainObservableType: c.ObservableType(),
		CreatedBy:          creator,
		Score:              kb.ScoreActive,
		ValidFrom:          now,
		ValidUntil:         until,
	})
	if err != nil {
		return nil, fmt.Errorf("create indicator %s: %w", c, err)
	}
	metrics.RecordWrites.WithLabelValues("indicator", "create").Inc()

	if _, err := r.store.CreateRelationship(ctx, ind.ID, obs.ID, kb.RelBasedOn); err != nil {
		return nil, fmt.Errorf("relate %s to %s: %w", ind.ID, obs.ID, err)
	}
	metrics.RecordWrites.WithLabelValues("relationship", "create").Inc()
	return ind, nil
}

// RevokeIndicator deactivates the indicator for c. It returns (nil, nil) when
// there is none and the record unchanged when it is already revoked.
func (r *Reconciler) RevokeIndicator(ctx context.Context, c content.Content) (*kb.Indicator, error) {
	existing, err := r.store.GetIndicator(ctx, stix.IndicatorIDFor(c))
	if err != nil {
		return nil, fmt.Errorf("get indicator %s: %w", c, err)
	}
	if existing == nil || existing.Revoked {
		return existing, nil
	}
	score := kb.ScoreInactive
	revoked := true
	ind, err := r.store.PatchIndicator(ctx, existing.ID, kb.IndicatorPatch{Score: &score, Revoked: &revoked})
	if err != nil {
		return nil, fmt.Errorf("patch indicator %s: %w", existing.ID, err)
	}
	metrics.RecordWrites.WithLabelValues("indicator", "patch").Inc()
	return ind, nil
}
