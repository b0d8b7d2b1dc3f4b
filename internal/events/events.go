// Package events carries notifications about completed state transitions to
// downstream consumers (NATS subscribers, the TAXII collection).
package events

import (
	"context"
	"errors"
	"time"

	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/kb"
)

// Transition describes one successful block/unblock/trust/untrust call.
type Transition struct {
	Op         string          `json:"op"`
	Content    content.Content `json:"content"`
	Creator    string          `json:"creator"`
	Status     string          `json:"status"`
	Actor      *kb.Identity    `json:"actor,omitempty"`
	Indicator  *kb.Indicator   `json:"indicator,omitempty"`
	Observable *kb.Observable  `json:"observable,omitempty"`
	At         time.Time       `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, t Transition) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Transition) error { return nil }

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, t Transition) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, t Transition) error

func (f Func) Publish(ctx context.Context, t Transition) error { return f(ctx, t) }
