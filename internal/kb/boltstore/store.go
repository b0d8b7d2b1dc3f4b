// Package boltstore persists the knowledge base in a local BoltDB file. It is
// used when the service runs standalone without an OpenCTI platform.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/metrics"
	"webcontent/reputation-service/internal/stix"
)

var (
	bucketObservables   = []byte("observables")
	bucketIndicators    = []byte("indicators")
	bucketRelationships = []byte("relationships")
	bucketIdentities    = []byte("identities")
)

// Store is a kb.Store backed by BoltDB. Every record is stored as JSON under
// its deterministic id, one bucket per record kind.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) reputation.db in dir.
func Open(dir string) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(filepath.Join(dir, "reputation.db"), 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketObservables, bucketIndicators, bucketRelationships, bucketIdentities} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RegisterIdentity stores the display name for an identity id.
func (s *Store) RegisterIdentity(id, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentities).Put([]byte(id), []byte(name))
	})
}

func (s *Store) GetObservable(_ context.Context, id string) (*kb.Observable, error) {
	defer observe("get_observable")()
	var obs *kb.Observable
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		obs, err = getObservable(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read observable: %w", err)
	}
	return obs, nil
}

func (s *Store) GetIndicator(_ context.Context, id string) (*kb.Indicator, error) {
	defer observe("get_indicator")()
	var ind *kb.Indicator
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		ind, err = getIndicator(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read indicator: %w", err)
	}
	return ind, nil
}

// CreateObservable upserts by id: an existing observable is returned as stored.
func (s *Store) CreateObservable(_ context.Context, in kb.ObservableInput) (*kb.Observable, error) {
	defer observe("create_observable")()
	id := stix.ObservableID(in.Content)
	var obs *kb.Observable
	err := s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getObservable(tx, id)
		if err != nil || existing != nil {
			obs = existing
			return err
		}
		obs = &kb.Observable{
			ID:         id,
			EntityType: in.Content.ObservableType(),
			Value:      in.Content.Value,
			CreatedBy:  identity(tx, in.CreatedBy),
			Markings:   in.Markings,
		}
		for _, v := range in.Labels {
			obs.Labels = append(obs.Labels, kb.Label{ID: stix.LabelID(v), Value: v})
		}
		obs.Labels = uniqueLabels(obs.Labels)
		return put(tx, bucketObservables, id, obs)
	})
	if err != nil {
		return nil, fmt.Errorf("write observable: %w", err)
	}
	return obs, nil
}

func (s *Store) PatchObservable(_ context.Context, id string, p kb.ObservablePatch) (*kb.Observable, error) {
	defer observe("patch_observable")()
	var obs *kb.Observable
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		obs, err = getObservable(tx, id)
		if err != nil {
			return err
		}
		if obs == nil {
			return fmt.Errorf("observable %s: %w", id, kb.ErrNotFound)
		}
		if p.CreatedBy != nil {
			obs.CreatedBy = identity(tx, *p.CreatedBy)
		}
		if p.Labels != nil {
			obs.Labels = uniqueLabels(*p.Labels)
		}
		return put(tx, bucketObservables, id, obs)
	})
	if err != nil {
		return nil, fmt.Errorf("patch observable: %w", err)
	}
	return obs, nil
}

func (s *Store) CreateIndicator(_ context.Context, in kb.IndicatorInput) (*kb.Indicator, error) {
	defer observe("create_indicator")()
	id := stix.IndicatorID(in.Pattern)
	var ind *kb.Indicator
	err := s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getIndicator(tx, id)
		if err != nil || existing != nil {
			ind = existing
			return err
		}
		ind = &kb.Indicator{
			ID:                 id,
			Name:               in.Name,
			Pattern:            in.Pattern,
			PatternType:        kb.PatternTypeSTIX,
			MainObservableType: in.MainObservableType,
			CreatedBy:          identity(tx, in.CreatedBy),
			Score:              in.Score,
			ValidFrom:          in.ValidFrom,
			ValidUntil:         in.ValidUntil,
		}
		return put(tx, bucketIndicators, id, ind)
	})
	if err != nil {
		return nil, fmt.Errorf("write indicator: %w", err)
	}
	return ind, nil
}

func (s *Store) PatchIndicator(_ context.Context, id string, p kb.IndicatorPatch) (*kb.Indicator, error) {
	defer observe("patch_indicator")()
	var ind *kb.Indicator
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		ind, err = getIndicator(tx, id)
		if err != nil {
			return err
		}
		if ind == nil {
			return fmt.Errorf("indicator %s: %w", id, kb.ErrNotFound)
		}
		if p.CreatedBy != nil {
			ind.CreatedBy = identity(tx, *p.CreatedBy)
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
		return put(tx, bucketIndicators, id, ind)
	})
	if err != nil {
		return nil, fmt.Errorf("patch indicator: %w", err)
	}
	return ind, nil
}

func (s *Store) CreateRelationship(_ context.Context, fromID, toID, relType string) (*kb.Relationship, error) {
	defer observe("create_relationship")()
	rel := &kb.Relationship{
		ID:     stix.RelationshipID(relType, fromID, toID),
		Type:   relType,
		FromID: fromID,
		ToID:   toID,
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketRelationships).Get([]byte(rel.ID)) != nil {
			return nil
		}
		return put(tx, bucketRelationships, rel.ID, rel)
	})
	if err != nil {
		return nil, fmt.Errorf("write relationship: %w", err)
	}
	return rel, nil
}

// Counts returns the number of records per bucket.
func (s *Store) Counts() (map[string]int, error) {
	counts := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketObservables, bucketIndicators, bucketRelationships} {
			counts[string(name)] = tx.Bucket(name).Stats().KeyN
		}
		return nil
	})
	return counts, err
}

func getObservable(tx *bbolt.Tx, id string) (*kb.Observable, error) {
	data := tx.Bucket(bucketObservables).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var obs kb.Observable
	if err := json.Unmarshal(data, &obs); err != nil {
		return nil, fmt.Errorf("decode observable %s: %w", id, err)
	}
	return &obs, nil
}

func getIndicator(tx *bbolt.Tx, id string) (*kb.Indicator, error) {
	data := tx.Bucket(bucketIndicators).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var ind kb.Indicator
	if err := json.Unmarshal(data, &ind); err != nil {
		return nil, fmt.Errorf("decode indicator %s: %w", id, err)
	}
	return &ind, nil
}

func put(tx *bbolt.Tx, bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	return tx.Bucket(bucket).Put([]byte(id), data)
}

func identity(tx *bbolt.Tx, id string) *kb.Identity {
	if id == "" {
		return nil
	}
	return &kb.Identity{ID: id, Name: string(tx.Bucket(bucketIdentities).Get([]byte(id)))}
}

func uniqueLabels(in []kb.Label) []kb.Label {
	seen := make(map[string]bool, len(in))
	out := make([]kb.Label, 0, len(in))
	for _, l := range in {
		if !seen[l.ID] {
			seen[l.ID] = true
			out = append(out, l)
		}
	}
	return out
}

func observe(op string) func() {
	start := time.Now()
	return func() {
		metrics.StoreDuration.WithLabelValues("bolt_" + op).Observe(time.Since(start).Seconds())
	}
}
