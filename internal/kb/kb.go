// Package kb defines the records kept in the threat-intelligence knowledge base
// and the minimal store contract the reputation service needs from it.
package kb

import (
	"context"
	"errors"
	"time"

	"webcontent/reputation-service/internal/content"
)

const (
	// ScoreActive is the score of an indicator that blocks its content.
	ScoreActive = 100
	// ScoreInactive is the score of a revoked indicator.
	ScoreInactive = 0
	// IndicatorLifetime is the rolling validity window of an active indicator.
	IndicatorLifetime = 365 * 24 * time.Hour

	RelBasedOn   = "based-on"
	RelRelatedTo = "related-to"

	PatternTypeSTIX = "stix"
)

// ErrNotFound is returned when patching a record that does not exist.
// Lookups report absence as (nil, nil) instead.
var ErrNotFound = errors.New("record not found")

// Identity references the author of a record.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Label struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Observable represents a concrete piece of content.
type Observable struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entity_type"`
	Value      string    `json:"value"`
	CreatedBy  *Identity `json:"created_by,omitempty"`
	Labels     []Label   `json:"labels,omitempty"`
	Markings   []string  `json:"markings,omitempty"`
}

// FindLabel returns the attached label with the given value, if any.
func (o *Observable) FindLabel(value string) (Label, bool) {
	for _, l := range o.Labels {
		if l.Value == value {
			return l, true
		}
	}
	return Label{}, false
}

func (o *Observable) HasLabel(value string) bool {
	_, ok := o.FindLabel(value)
	return ok
}

// CreatorID is the creator's id or "" when unattributed.
func (o *Observable) CreatorID() string {
	if o.CreatedBy == nil {
		return ""
	}
	return o.CreatedBy.ID
}

// Indicator asserts that its pattern is actively flagged.
type Indicator struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Pattern            string    `json:"pattern"`
	PatternType        string    `json:"pattern_type"`
	MainObservableType string    `json:"main_observable_type"`
	CreatedBy          *Identity `json:"created_by,omitempty"`
	Score              int       `json:"score"`
	ValidFrom          time.Time `json:"valid_from"`
	ValidUntil         time.Time `json:"valid_until"`
	Revoked            bool      `json:"revoked"`
}

type Relationship struct {
	ID     string `json:"id"`
	Type   string `json:"relationship_type"`
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
}

type ObservableInput struct {
	Content   content.Content
	CreatedBy string
	Labels    []string // label values
	Markings  []string
}

// ObservablePatch replaces the listed fields. Labels, when set, is the full
// resulting label list.
type ObservablePatch struct {
	CreatedBy *string
	Labels    *[]Label
}

type IndicatorInput struct {
	Name               string
	Pattern            string
	MainObservableType string
	CreatedBy          string
	Score              int
	ValidFrom          time.Time
	ValidUntil         time.Time
}

type IndicatorPatch struct {
	CreatedBy  *string
	Score      *int
	ValidFrom  *time.Time
	ValidUntil *time.Time
	Revoked    *bool
}

// Store is the knowledge base as seen by the reconciler. Implementations must
// address records by their deterministic ids.
type Store interface {
	GetObservable(ctx context.Context, id string) (*Observable, error)
	GetIndicator(ctx context.Context, id string) (*Indicator, error)
	CreateObservable(ctx context.Context, in ObservableInput) (*Observable, error)
	PatchObservable(ctx context.Context, id string, p ObservablePatch) (*Observable, error)
	CreateIndicator(ctx context.Context, in IndicatorInput) (*Indicator, error)
	PatchIndicator(ctx context.Context, id string, p IndicatorPatch) (*Indicator, error)
	CreateRelationship(ctx context.Context, fromID, toID, relType string) (*Relationship, error)
}
