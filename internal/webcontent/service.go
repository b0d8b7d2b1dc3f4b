// Package webcontent moves web content between the unknown, blocked and
// trusted states by reconciling observables and indicators in the knowledge
// base, and resolves the current state back from those records.
package webcontent

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/events"
	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/metrics"
	"webcontent/reputation-service/internal/stix"
)

const (
	OpBlock   = "block"
	OpUnblock = "unblock"
	OpTrust   = "trust"
	OpUntrust = "untrust"
)

// Service implements the caller-facing transitions. The default creator is
// fixed at construction and substituted whenever an operation is called with
// an empty creator.
type Service struct {
	store          kb.Store
	reconciler     *Reconciler
	resolver       *Resolver
	defaultCreator string
	publisher      events.Publisher
	logger         zerolog.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher sets where successful transitions are announced.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the transition logger. The default discards.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService returns a Service writing to store on behalf of defaultCreator
// unless an operation names another creator.
func NewService(store kb.Store, defaultCreator string, opts ...Option) *Service {
	s := &Service{
		store:          store,
		defaultCreator: defaultCreator,
		publisher:      events.Nop{},
		logger:         zerolog.Nop(),
		tracer:         otel.Tracer("webcontent"),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reconciler = NewReconciler(store, s.now)
	s.resolver = NewResolver(store)
	return s
}

// DefaultCreator is the identity used when an operation names none.
func (s *Service) DefaultCreator() string { return s.defaultCreator }

func (s *Service) resolveCreator(creator string) string {
	if creator == "" {
		return s.defaultCreator
	}
	return creator
}

// Status resolves the current state of c.
func (s *Service) Status(ctx context.Context, c content.Content) (Status, error) {
	if err := c.Validate(); err != nil {
		return Status{}, err
	}
	ctx, span := s.start(ctx, "status", c)
	defer span.End()

	st, err := s.resolver.Status(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Status{}, err
	}
	metrics.StatusLookups.WithLabelValues(string(st.State)).Inc()
	return st, nil
}

// Block marks c as blocked by creator: state labels are cleared from the
// observable and its indicator is created or revived.
func (s *Service) Block(ctx context.Context, c content.Content, creator string) (ind *kb.Indicator, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	creator = s.resolveCreator(creator)
	ctx, span := s.start(ctx, OpBlock, c)
	defer func() { s.finish(ctx, span, OpBlock, c, creator, ind, nil, err) }()

	obs, err := s.reconciler.ReconcileObservable(ctx, c, ObservableChange{
		Creator:      creator,
		RemoveLabels: stateLabels,
	})
	if err != nil {
		return nil, err
	}
	return s.reconciler.ReconcileIndicator(ctx, c, creator, obs)
}

// Unblock clears state labels from an existing observable and revokes an
// active indicator. Nothing is created. An empty creator keeps the current
// attribution of the observable.
func (s *Service) Unblock(ctx context.Context, c content.Content, creator string) (ind *kb.Indicator, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ctx, span := s.start(ctx, OpUnblock, c)
	defer func() { s.finish(ctx, span, OpUnblock, c, creator, ind, nil, err) }()

	return s.unblock(ctx, c, creator, stateLabels)
}

func (s *Service) unblock(ctx context.Context, c content.Content, creator string, removeLabels []string) (*kb.Indicator, error) {
	obs, err := s.store.GetObservable(ctx, stix.ObservableID(c))
	if err != nil {
		return nil, fmt.Errorf("get observable %s: %w", c, err)
	}
	if obs != nil {
		if _, err := s.reconciler.UpdateObservable(ctx, obs, ObservableChange{
			Creator:      creator,
			RemoveLabels: removeLabels,
		}); err != nil {
			return nil, err
		}
	}
	return s.reconciler.RevokeIndicator(ctx, c)
}

// Trust revokes any block on c and labels its observable as trusted by creator.
func (s *Service) Trust(ctx context.Context, c content.Content, creator string) (obs *kb.Observable, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	creator = s.resolveCreator(creator)
	ctx, span := s.start(ctx, OpTrust, c)
	var ind *kb.Indicator
	defer func() { s.finish(ctx, span, OpTrust, c, creator, ind, obs, err) }()

	// The trusted label is re-added right after, so only legacy labels are
	// cleared here; attribution is stamped by the reconcile below.
	ind, err = s.unblock(ctx, c, "", legacyLabels)
	if err != nil {
		return nil, err
	}
	return s.reconciler.ReconcileObservable(ctx, c, ObservableChange{
		Creator:      creator,
		AddLabels:    []string{LabelTrusted},
		RemoveLabels: legacyLabels,
	})
}

// Untrust removes every state label from the observable of c. Indicators are
// left alone: untrusting blocked content leaves it blocked.
func (s *Service) Untrust(ctx context.Context, c content.Content, creator string) (obs *kb.Observable, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ctx, span := s.start(ctx, OpUntrust, c)
	defer func() { s.finish(ctx, span, OpUntrust, c, creator, nil, obs, err) }()

	existing, err := s.store.GetObservable(ctx, stix.ObservableID(c))
	if err != nil {
		return nil, fmt.Errorf("get observable %s: %w", c, err)
	}
	if existing == nil {
		return nil, nil
	}
	return s.reconciler.UpdateObservable(ctx, existing, ObservableChange{
		Creator:      creator,
		RemoveLabels: stateLabels,
	})
}

func (s *Service) start(ctx context.Context, op string, c content.Content) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "webcontent."+op, trace.WithAttributes(
		attribute.String("content.type", string(c.Type)),
		attribute.String("content.value", c.Value),
	))
}

// finish records the outcome of a transition and announces successful ones.
func (s *Service) finish(ctx context.Context, span trace.Span, op string, c content.Content, creator string, ind *kb.Indicator, obs *kb.Observable, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Transitions.WithLabelValues(op, "error").Inc()
		s.logger.Error().
			Err(err).
			Str("op", op).
			Str("content", c.String()).
			Str("creator", creator).
			Msg("web content transition failed")
		return
	}
	metrics.Transitions.WithLabelValues(op, "ok").Inc()
	s.logger.Info().
		Str("op", op).
		Str("content", c.String()).
		Str("creator", creator).
		Msg("web content transition applied")

	s.publish(ctx, events.Transition{
		Op:         op,
		Content:    c,
		Creator:    creator,
		Indicator:  ind,
		Observable: obs,
		At:         s.now().UTC(),
	})
}

func (s *Service) publish(ctx context.Context, t events.Transition) {
	if _, ok := s.publisher.(events.Nop); ok {
		return
	}
	st, err := s.resolver.Status(ctx, t.Content)
	if err != nil {
		s.logger.Warn().Err(err).Str("content", t.Content.String()).Msg("status unavailable for transition event")
	} else {
		t.Status = string(st.State)
		t.Actor = st.Actor
	}
	if err := s.publisher.Publish(ctx, t); err != nil {
		metrics.EventPublishErrors.Inc()
		s.logger.Warn().Err(err).Str("op", t.Op).Str("content", t.Content.String()).Msg("transition event not published")
	}
}
