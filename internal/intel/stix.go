package intel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"webcontent/reputation-service/internal/kb"
	"webcontent/reputation-service/internal/stix"
)

// STIXIndicator is the subset of a STIX 2.1 indicator SDO exchanged over TAXII.
type STIXIndicator struct {
	Type              string    `json:"type"`
	SpecVersion       string    `json:"spec_version,omitempty"`
	ID                string    `json:"id"`
	Created           time.Time `json:"created"`
	Modified          time.Time `json:"modified"`
	Name              string    `json:"name,omitempty"`
	Pattern           string    `json:"pattern"`
	PatternType       string    `json:"pattern_type,omitempty"`
	ValidFrom         time.Time `json:"valid_from"`
	ValidUntil        time.Time `json:"valid_until"`
	Revoked           bool      `json:"revoked,omitempty"`
	Confidence        int       `json:"confidence,omitempty"`
	CreatedByRef      string    `json:"created_by_ref,omitempty"`
	ObjectMarkingRefs []string  `json:"object_marking_refs,omitempty"`
}

// Bundle is a STIX bundle. TAXII object envelopes share the objects field,
// so both decode into it.
type Bundle struct {
	Type    string          `json:"type,omitempty"`
	ID      string          `json:"id,omitempty"`
	More    bool            `json:"more,omitempty"`
	Objects []STIXIndicator `json:"objects"`
}

// ParseBundle returns the web-content indicators in a bundle or envelope.
// Other object types and unsupported patterns are counted as skipped.
func ParseBundle(data []byte) ([]*Indicator, int, error) {
	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, 0, fmt.Errorf("unmarshal bundle: %w", err)
	}

	indicators := make([]*Indicator, 0, len(bundle.Objects))
	skipped := 0
	for i := range bundle.Objects {
		obj := &bundle.Objects[i]
		if obj.Type != "indicator" || (obj.PatternType != "" && obj.PatternType != kb.PatternTypeSTIX) {
			skipped++
			continue
		}
		c, err := stix.ParsePattern(obj.Pattern)
		if err != nil {
			skipped++
			continue
		}
		indicators = append(indicators, &Indicator{
			ID:         obj.ID,
			Content:    c,
			Pattern:    obj.Pattern,
			CreatedBy:  obj.CreatedByRef,
			Confidence: obj.Confidence,
			ValidFrom:  obj.ValidFrom,
			ValidUntil: obj.ValidUntil,
			Revoked:    obj.Revoked,
			Modified:   obj.Modified,
		})
	}
	return indicators, skipped, nil
}

// NewBundle wraps indicators into a bundle with a fresh id.
func NewBundle(indicators []*Indicator) Bundle {
	objects := make([]STIXIndicator, 0, len(indicators))
	for _, ind := range indicators {
		objects = append(objects, toSTIXIndicator(ind))
	}
	return Bundle{
		Type:    "bundle",
		ID:      "bundle--" + uuid.NewString(),
		Objects: objects,
	}
}

func toSTIXIndicator(ind *Indicator) STIXIndicator {
	return STIXIndicator{
		Type:              "indicator",
		SpecVersion:       "2.1",
		ID:                ind.ID,
		Created:           ind.ValidFrom.UTC(),
		Modified:          ind.Modified.UTC(),
		Name:              ind.Content.Value,
		Pattern:           ind.Pattern,
		PatternType:       kb.PatternTypeSTIX,
		ValidFrom:         ind.ValidFrom.UTC(),
		ValidUntil:        ind.ValidUntil.UTC(),
		Revoked:           ind.Revoked,
		Confidence:        ind.Confidence,
		CreatedByRef:      ind.CreatedBy,
		ObjectMarkingRefs: []string{stix.MarkingTLPClear},
	}
}
