package boltstore_test

import (
	"context"
	"errors"
	"testing"

	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/kb/boltstore"
	"webcontent/reputation-service/internal/stix"
	"webcontent/reputation-service/internal/webcontent"
)

func open(t *testing.T, dir string) *boltstore.Store {
	t.Helper()
	s, err := boltstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	seal := stix.IdentityID("SEAL", "organization")
	c := content.Content{Type: content.DomainName, Value: "persisted.invalid"}

	s := open(t, dir)
	if err := s.RegisterIdentity(seal, "SEAL"); err != nil {
		t.Fatalf("RegisterIdentity: %v", err)
	}
	svc := webcontent.NewService(s, seal)
	if _, err := svc.Trust(ctx, c, ""); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = open(t, dir)
	defer s.Close()
	obs, err := s.GetObservable(ctx, stix.ObservableID(c))
	if err != nil {
		t.Fatalf("GetObservable: %v", err)
	}
	if obs == nil {
		t.Fatal("observable lost after reopen")
	}
	if !obs.HasLabel(webcontent.LabelTrusted) {
		t.Errorf("trusted label lost: %+v", obs.Labels)
	}
	if obs.CreatedBy == nil || obs.CreatedBy.Name != "SEAL" {
		t.Errorf("creator not persisted: %+v", obs.CreatedBy)
	}

	st, err := webcontent.NewService(s, seal).Status(ctx, c)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != webcontent.StateTrusted {
		t.Errorf("status after reopen = %s, want trusted", st.State)
	}
}

func TestStore_BlockUnblock(t *testing.T) {
	s := open(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()
	acme := stix.IdentityID("ACME", "organization")
	svc := webcontent.NewService(s, acme)
	u := content.Content{Type: content.URL, Value: "http://bolt.invalid/a"}

	if _, err := svc.Block(ctx, u, ""); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if _, err := svc.Block(ctx, u, ""); err != nil {
		t.Fatalf("Block: %v", err)
	}
	counts, err := s.Counts()
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts["observables"] != 2 || counts["indicators"] != 1 || counts["relationships"] != 2 {
		t.Errorf("unexpected counts %v", counts)
	}

	ind, err := svc.Unblock(ctx, u, "")
	if err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if !ind.Revoked || ind.Score != kb.ScoreInactive {
		t.Errorf("indicator not revoked: %+v", ind)
	}
	st, err := svc.Status(ctx, u)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != webcontent.StateUnknown {
		t.Errorf("status = %s, want unknown", st.State)
	}
}

func TestStore_PatchMissing(t *testing.T) {
	s := open(t, t.TempDir())
	defer s.Close()
	_, err := s.PatchIndicator(context.Background(), "indicator--missing", kb.IndicatorPatch{})
	if !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_CreateDeduplicatesLabels(t *testing.T) {
	s := open(t, t.TempDir())
	defer s.Close()
	c := content.Content{Type: content.DomainName, Value: "labels.invalid"}
	obs, err := s.CreateObservable(context.Background(), kb.ObservableInput{Content: c, Labels: []string{"a", "a"}})
	if err != nil {
		t.Fatalf("CreateObservable: %v", err)
	}
	if len(obs.Labels) != 1 {
		t.Errorf("labels not deduplicated on create: %+v", obs.Labels)
	}
}
