package stix

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"webcontent/reputation-service/internal/content"
)

var (
	// oasisNamespace is the STIX 2.1 namespace for cyber-observable ids.
	oasisNamespace = uuid.MustParse("00abedb4-aa42-466c-9c01-fed23315a9b7")
	// platformNamespace is the knowledge-base namespace for domain objects.
	platformNamespace = uuid.MustParse("b639ff3b-00eb-42ed-aa36-a8dd6f8fb4cf")
)

// MarkingTLPClear is the public TLP:CLEAR marking definition.
const MarkingTLPClear = "marking-definition--94868c89-83c2-464b-929b-a1a8aa3c8487"

// ObservableID derives the deterministic observable id for c.
func ObservableID(c content.Content) string {
	return generate(string(c.Type), oasisNamespace, map[string]any{"value": c.Value})
}

// IndicatorID derives the deterministic indicator id for a pattern.
func IndicatorID(pattern string) string {
	return generate("indicator", platformNamespace, map[string]any{"pattern": pattern})
}

// IndicatorIDFor is IndicatorID(PatternFor(c)).
func IndicatorIDFor(c content.Content) string {
	return IndicatorID(PatternFor(c))
}

// LabelID derives the deterministic label id for a label value.
func LabelID(value string) string {
	return generate("label", platformNamespace, map[string]any{"value": strings.ToLower(value)})
}

// IdentityID derives the deterministic identity id from a name and identity class
// (e.g. "organization").
func IdentityID(name, class string) string {
	return generate("identity", platformNamespace, map[string]any{
		"name":           strings.ToLower(strings.TrimSpace(name)),
		"identity_class": class,
	})
}

func generate(prefix string, ns uuid.UUID, contributing map[string]any) string {
	// json.Marshal sorts map keys, giving a canonical form.
	data, err := json.Marshal(contributing)
	if err != nil {
		// only strings are ever passed in
		panic(err)
	}
	return prefix + "--" + uuid.NewSHA1(ns, data).String()
}

// RelationshipID derives the deterministic id of a typed edge between two records.
func RelationshipID(relType, fromID, toID string) string {
	return generate("relationship", platformNamespace, map[string]any{
		"relationship_type": relType,
		"source_ref":        fromID,
		"target_ref":        toID,
	})
}
