package intel

import (
	"fmt"
	"time"

	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/stix"
)

// Indicator is the exchanged form of a blocking indicator: what is blocked,
// by whom, and whether the block still holds.
type Indicator struct {
	ID         string
	Content    content.Content
	Pattern    string
	CreatedBy  string // identity standard id
	Confidence int
	ValidFrom  time.Time
	ValidUntil time.Time
	Revoked    bool
	Modified   time.Time
}

// FromKB converts a stored indicator. Patterns that do not describe web
// content are rejected.
func FromKB(ind *kb.Indicator, modified time.Time) (*Indicator, error) {
	c, err := stix.ParsePattern(ind.Pattern)
	if err != nil {
		return nil, fmt.Errorf("indicator %s: %w", ind.ID, err)
	}
	out := &Indicator{
		ID:         ind.ID,
		Content:    c,
		Pattern:    ind.Pattern,
		Confidence: ind.Score,
		ValidFrom:  ind.ValidFrom,
		ValidUntil: ind.ValidUntil,
		Revoked:    ind.Revoked,
		Modified:   modified,
	}
	if ind.CreatedBy != nil {
		out.CreatedBy = ind.CreatedBy.ID
	}
	return out, nil
}

func (i *Indicator) IsExpired(now time.Time) bool {
	return !i.ValidUntil.IsZero() && !now.Before(i.ValidUntil)
}

// IsActive reports whether the indicator currently blocks its content.
func (i *Indicator) IsActive(now time.Time) bool {
	return !i.Revoked && !now.Before(i.ValidFrom) && !i.IsExpired(now)
}
