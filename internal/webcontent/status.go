package webcontent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/stix"
)

// State is the externally visible reputation of a piece of content.
type State string

const (
	StateUnknown State = "unknown"
	StateBlocked State = "blocked"
	StateTrusted State = "trusted"
)

// Status is a resolved State plus the identity responsible for it. Actor is
// always nil for StateUnknown.
type Status struct {
	State State        `json:"status"`
	Actor *kb.Identity `json:"actor,omitempty"`
}

// Resolver derives Status from stored records only.
type Resolver struct {
	store kb.Store
}

// NewResolver returns a Resolver reading from store.
func NewResolver(store kb.Store) *Resolver {
	return &Resolver{store: store}
}

// Status reads the observable and indicator for c concurrently and resolves
// them. Missing records are not an error.
func (r *Resolver) Status(ctx context.Context, c content.Content) (Status, error) {
	var (
		obs *kb.Observable
		ind *kb.Indicator
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		obs, err = r.store.GetObservable(gctx, stix.ObservableID(c))
		if err != nil {
			return fmt.Errorf("get observable %s: %w", c, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		ind, err = r.store.GetIndicator(gctx, stix.IndicatorIDFor(c))
		if err != nil {
			return fmt.Errorf("get indicator %s: %w", c, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Status{}, err
	}
	return Resolve(obs, ind), nil
}

// Resolve applies the status precedence. Observable labels always win over
// indicator state.
func Resolve(obs *kb.Observable, ind *kb.Indicator) Status {
	if obs != nil {
		switch {
		case obs.HasLabel(LabelTrusted), obs.HasLabel(LabelAllowlisted):
			return Status{State: StateTrusted, Actor: obs.CreatedBy}
		case obs.HasLabel(LabelBlocklisted):
			return Status{State: StateBlocked, Actor: obs.CreatedBy}
		}
	}
	if ind == nil || ind.Revoked {
		return Status{State: StateUnknown}
	}
	return Status{State: StateBlocked, Actor: ind.CreatedBy}
}
