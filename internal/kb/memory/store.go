// Package memory is an in-process kb.Store. It backs local development and
// is the fake knowledge base used by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/stix"
)

// Store is a thread-safe map-backed knowledge base keyed by deterministic ids.
type Store struct {
	mu            sync.RWMutex
	observables   map[string]*kb.Observable
	indicators    map[string]*kb.Indicator
	relationships map[string]*kb.Relationship
	identities    map[string]string // id -> name

	// fault, when set, is consulted before every operation; a non-nil error
	// aborts it. Used by tests to simulate store failures.
	fault func(op string) error
}

func New() *Store {
	return &Store{
		observables:   make(map[string]*kb.Observable),
		indicators:    make(map[string]*kb.Indicator),
		relationships: make(map[string]*kb.Relationship),
		identities:    make(map[string]string),
	}
}

// RegisterIdentity records a display name for an identity id so that
// creator references are returned with names.
func (s *Store) RegisterIdentity(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id] = name
}

// SetFault installs a hook that can fail operations by name
// ("GetObservable", "PatchIndicator", ...).
func (s *Store) SetFault(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *Store) check(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

func (s *Store) GetObservable(_ context.Context, id string) (*kb.Observable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetObservable"); err != nil {
		return nil, err
	}
	obs, ok := s.observables[id]
	if !ok {
		return nil, nil
	}
	return cloneObservable(obs), nil
}

func (s *Store) GetIndicator(_ context.Context, id string) (*kb.Indicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetIndicator"); err != nil {
		return nil, err
	}
	ind, ok := s.indicators[id]
	if !ok {
		return nil, nil
	}
	return cloneIndicator(ind), nil
}

// CreateObservable upserts by deterministic id: creating an existing
// observable returns the stored record untouched.
func (s *Store) CreateObservable(_ context.Context, in kb.ObservableInput) (*kb.Observable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateObservable"); err != nil {
		return nil, err
	}
	id := stix.ObservableID(in.Content)
	if existing, ok := s.observables[id]; ok {
		return cloneObservable(existing), nil
	}
	obs := &kb.Observable{
		ID:         id,
		EntityType: in.Content.ObservableType(),
		Value:      in.Content.Value,
		CreatedBy:  s.identity(in.CreatedBy),
		Markings:   append([]string(nil), in.Markings...),
	}
	for _, v := range in.Labels {
		obs.Labels = append(obs.Labels, kb.Label{ID: stix.LabelID(v), Value: v})
	}
	obs.Labels = dedupeLabels(obs.Labels)
	s.observables[id] = obs
	return cloneObservable(obs), nil
}

func (s *Store) PatchObservable(_ context.Context, id string, p kb.ObservablePatch) (*kb.Observable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("PatchObservable"); err != nil {
		return nil, err
	}
	obs, ok := s.observables[id]
	if !ok {
		return nil, fmt.Errorf("patch observable %s: %w", id, kb.ErrNotFound)
	}
	if p.CreatedBy != nil {
		obs.CreatedBy = s.identity(*p.CreatedBy)
	}
	if p.Labels != nil {
		obs.Labels = dedupeLabels(*p.Labels)
	}
	return cloneObservable(obs), nil
}

func (s *Store) CreateIndicator(_ context.Context, in kb.IndicatorInput) (*kb.Indicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateIndicator"); err != nil {
		return nil, err
	}
	id := stix.IndicatorID(in.Pattern)
	if existing, ok := s.indicators[id]; ok {
		return cloneIndicator(existing), nil
	}
	ind := &kb.Indicator{
		ID:                 id,
		Name:               in.Name,
		Pattern:            in.Pattern,
		PatternType:        kb.PatternTypeSTIX,
		MainObservableType: in.MainObservableType,
		CreatedBy:          s.identity(in.CreatedBy),
		Score:              in.Score,
		ValidFrom:          in.ValidFrom,
		ValidUntil:         in.ValidUntil,
	}
	s.indicators[id] = ind
	return cloneIndicator(ind), nil
}

func (s *Store) PatchIndicator(_ context.Context, id string, p kb.IndicatorPatch) (*kb.Indicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("PatchIndicator"); err != nil {
		return nil, err
	}
	ind, ok := s.indicators[id]
	if !ok {
		return nil, fmt.Errorf("patch indicator %s: %w", id, kb.ErrNotFound)
	}
	if p.CreatedBy != nil {
		ind.CreatedBy = s.identity(*p.CreatedBy)
	}
	if p.Score != nil {
		ind.Score = *p.Score
	}
	if p.ValidFrom != nil {
		ind.ValidFrom = *p.ValidFrom
	}
	if p.ValidUntil != nil {
		ind.ValidUntil = *p.ValidUntil
	}
	if p.Revoked != nil {
		ind.Revoked = *p.Revoked
	}
	return cloneIndicator(ind), nil
}

func (s *Store) CreateRelationship(_ context.Context, fromID, toID, relType string) (*kb.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateRelationship"); err != nil {
		return nil, err
	}
	id := stix.RelationshipID(relType, fromID, toID)
	if existing, ok := s.relationships[id]; ok {
		rel := *existing
		return &rel, nil
	}
	rel := &kb.Relationship{ID: id, Type: relType, FromID: fromID, ToID: toID}
	s.relationships[id] = rel
	out := *rel
	return &out, nil
}

// Stats reports record counts.
type Stats struct {
	Observables   int
	Indicators    int
	Relationships int
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Observables:   len(s.observables),
		Indicators:    len(s.indicators),
		Relationships: len(s.relationships),
	}
}

// Relationships returns all edges ordered by id.
func (s *Store) Relationships() []kb.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]kb.Relationship, 0, len(s.relationships))
	for _, r := range s.relationships {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// identity resolves a creator id (caller must hold lock).
func (s *Store) identity(id string) *kb.Identity {
	if id == "" {
		return nil
	}
	return &kb.Identity{ID: id, Name: s.identities[id]}
}

func dedupeLabels(in []kb.Label) []kb.Label {
	seen := make(map[string]bool, len(in))
	out := make([]kb.Label, 0, len(in))
	for _, l := range in {
		if seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		out = append(out, l)
	}
	return out
}

func cloneObservable(o *kb.Observable) *kb.Observable {
	c := *o
	if o.CreatedBy != nil {
		id := *o.CreatedBy
		c.CreatedBy = &id
	}
	c.Labels = append([]kb.Label(nil), o.Labels...)
	c.Markings = append([]string(nil), o.Markings...)
	return &c
}

func cloneIndicator(i *kb.Indicator) *kb.Indicator {
	c := *i
	if i.CreatedBy != nil {
		id := *i.CreatedBy
		c.CreatedBy = &id
	}
	return &c
}
