package opencti

import (
	"context"
	"fmt"
	"time"

	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/kb"
)

const observableFields = `
	standard_id
	entity_type
	observable_value
	createdBy { standard_id name }
	objectLabel { standard_id value }
	objectMarking { standard_id }`

const indicatorFields = `
	standard_id
	name
	pattern
	pattern_type
	x_opencti_main_observable_type
	x_opencti_score
	valid_from
	valid_until
	revoked
	createdBy { standard_id name }`

const (
	queryObservable = `query GetObservable($id: String!) {
	stixCyberObservable(id: $id) {` + observableFields + `
	}
}`
	queryIndicator = `query GetIndicator($id: String!) {
	indicator(id: $id) {` + indicatorFields + `
	}
}`
	mutationObservablePatch = `mutation PatchObservable($id: ID!, $input: [EditInput]!) {
	stixCyberObservableEdit(id: $id) {
		fieldPatch(input: $input) {` + observableFields + `
		}
	}
}`
	mutationIndicatorAdd = `mutation CreateIndicator($input: IndicatorAddInput!) {
	indicatorAdd(input: $input) {` + indicatorFields + `
	}
}`
	mutationIndicatorPatch = `mutation PatchIndicator($id: ID!, $input: [EditInput]!) {
	indicatorFieldPatch(id: $id, input: $input) {` + indicatorFields + `
	}
}`
	mutationRelationshipAdd = `mutation CreateRelationship($input: StixCoreRelationshipAddInput!) {
	stixCoreRelationshipAdd(input: $input) {
		standard_id
		relationship_type
		from { ... on BasicObject { standard_id } }
		to { ... on BasicObject { standard_id } }
	}
}`
)

// observableAddKeys maps a content type to the typed input argument of
// stixCyberObservableAdd.
var observableAddKeys = map[content.Type]struct{ arg, input string }{
	content.DomainName: {"DomainName", "DomainNameAddInput"},
	content.IPv4Addr:   {"IPv4Addr", "IPv4AddrAddInput"},
	content.IPv6Addr:   {"IPv6Addr", "IPv6AddrAddInput"},
	content.URL:        {"Url", "UrlAddInput"},
}

func mutationObservableAdd(arg, input string) string {
	return fmt.Sprintf(`mutation CreateObservable($type: String!, $createdBy: String, $objectLabel: [String], $objectMarking: [String], $%[1]s: %[2]s) {
	stixCyberObservableAdd(type: $type, createdBy: $createdBy, objectLabel: $objectLabel, objectMarking: $objectMarking, %[1]s: $%[1]s) {`+observableFields+`
	}
}`, arg, input)
}

var _ kb.Store = (*Client)(nil)

type identityNode struct {
	StandardID string `json:"standard_id"`
	Name       string `json:"name"`
}

type observableNode struct {
	StandardID      string        `json:"standard_id"`
	EntityType      string        `json:"entity_type"`
	ObservableValue string        `json:"observable_value"`
	CreatedBy       *identityNode `json:"createdBy"`
	ObjectLabel     []struct {
		StandardID string `json:"standard_id"`
		Value      string `json:"value"`
	} `json:"objectLabel"`
	ObjectMarking []struct {
		StandardID string `json:"standard_id"`
	} `json:"objectMarking"`
}

type indicatorNode struct {
	StandardID         string        `json:"standard_id"`
	Name               string        `json:"name"`
	Pattern            string        `json:"pattern"`
	PatternType        string        `json:"pattern_type"`
	MainObservableType string        `json:"x_opencti_main_observable_type"`
	Score              int           `json:"x_opencti_score"`
	ValidFrom          time.Time     `json:"valid_from"`
	ValidUntil         time.Time     `json:"valid_until"`
	Revoked            bool          `json:"revoked"`
	CreatedBy          *identityNode `json:"createdBy"`
}

type editInput struct {
	Key   string `json:"key"`
	Value []any  `json:"value"`
}

func (c *Client) GetObservable(ctx context.Context, id string) (*kb.Observable, error) {
	var data struct {
		Node *observableNode `json:"stixCyberObservable"`
	}
	if err := c.do(ctx, "GetObservable", queryObservable, map[string]any{"id": id}, &data); err != nil {
		return nil, err
	}
	return data.Node.toKB(), nil
}

func (c *Client) GetIndicator(ctx context.Context, id string) (*kb.Indicator, error) {
	var data struct {
		Node *indicatorNode `json:"indicator"`
	}
	if err := c.do(ctx, "GetIndicator", queryIndicator, map[string]any{"id": id}, &data); err != nil {
		return nil, err
	}
	return data.Node.toKB(), nil
}

// CreateObservable relies on the platform upserting by standard id.
func (c *Client) CreateObservable(ctx context.Context, in kb.ObservableInput) (*kb.Observable, error) {
	keys, ok := observableAddKeys[in.Content.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported type %q", content.ErrInvalidContent, in.Content.Type)
	}
	vars := map[string]any{
		"type":          in.Content.ObservableType(),
		"objectLabel":   in.Labels,
		"objectMarking": in.Markings,
		keys.arg:        map[string]any{"value": in.Content.Value},
	}
	if in.CreatedBy != "" {
		vars["createdBy"] = in.CreatedBy
	}
	var data struct {
		Node *observableNode `json:"stixCyberObservableAdd"`
	}
	if err := c.do(ctx, "CreateObservable", mutationObservableAdd(keys.arg, keys.input), vars, &data); err != nil {
		return nil, err
	}
	if data.Node == nil {
		return nil, fmt.Errorf("opencti CreateObservable: no observable returned for %s", in.Content)
	}
	return data.Node.toKB(), nil
}

// PatchObservable sends the label list as label ids, replacing the whole set.
func (c *Client) PatchObservable(ctx context.Context, id string, p kb.ObservablePatch) (*kb.Observable, error) {
	var input []editInput
	if p.CreatedBy != nil {
		input = append(input, editInput{Key: "createdBy", Value: []any{*p.CreatedBy}})
	}
	if p.Labels != nil {
		ids := make([]any, 0, len(*p.Labels))
		for _, l := range *p.Labels {
			ids = append(ids, l.ID)
		}
		input = append(input, editInput{Key: "objectLabel", Value: ids})
	}
	var data struct {
		Edit *struct {
			FieldPatch *observableNode `json:"fieldPatch"`
		} `json:"stixCyberObservableEdit"`
	}
	if err := c.do(ctx, "PatchObservable", mutationObservablePatch, map[string]any{"id": id, "input": input}, &data); err != nil {
		return nil, err
	}
	if data.Edit == nil || data.Edit.FieldPatch == nil {
		return nil, fmt.Errorf("patch observable %s: %w", id, kb.ErrNotFound)
	}
	return data.Edit.FieldPatch.toKB(), nil
}

func (c *Client) CreateIndicator(ctx context.Context, in kb.IndicatorInput) (*kb.Indicator, error) {
	input := map[string]any{
		"name":                           in.Name,
		"pattern":                        in.Pattern,
		"pattern_type":                   kb.PatternTypeSTIX,
		"x_opencti_main_observable_type": in.MainObservableType,
		"x_opencti_score":                in.Score,
		"valid_from":                     in.ValidFrom.UTC().Format(time.RFC3339Nano),
		"valid_until":                    in.ValidUntil.UTC().Format(time.RFC3339Nano),
	}
	if in.CreatedBy != "" {
		input["createdBy"] = in.CreatedBy
	}
	var data struct {
		Node *indicatorNode `json:"indicatorAdd"`
	}
	if err := c.do(ctx, "CreateIndicator", mutationIndicatorAdd, map[string]any{"input": input}, &data); err != nil {
		return nil, err
	}
	if data.Node == nil {
		return nil, fmt.Errorf("opencti CreateIndicator: no indicator returned for %s", in.Pattern)
	}
	return data.Node.toKB(), nil
}

func (c *Client) PatchIndicator(ctx context.Context, id string, p kb.IndicatorPatch) (*kb.Indicator, error) {
	var input []editInput
	if p.ValidFrom != nil {
		input = append(input, editInput{Key: "valid_from", Value: []any{p.ValidFrom.UTC().Format(time.RFC3339Nano)}})
	}
	if p.ValidUntil != nil {
		input = append(input, editInput{Key: "valid_until", Value: []any{p.ValidUntil.UTC().Format(time.RFC3339Nano)}})
	}
	if p.Score != nil {
		input = append(input, editInput{Key: "x_opencti_score", Value: []any{*p.Score}})
	}
	if p.Revoked != nil {
		input = append(input, editInput{Key: "revoked", Value: []any{*p.Revoked}})
	}
	if p.CreatedBy != nil {
		input = append(input, editInput{Key: "createdBy", Value: []any{*p.CreatedBy}})
	}
	var data struct {
		Node *indicatorNode `json:"indicatorFieldPatch"`
	}
	if err := c.do(ctx, "PatchIndicator", mutationIndicatorPatch, map[string]any{"id": id, "input": input}, &data); err != nil {
		return nil, err
	}
	if data.Node == nil {
		return nil, fmt.Errorf("patch indicator %s: %w", id, kb.ErrNotFound)
	}
	return data.Node.toKB(), nil
}

func (c *Client) CreateRelationship(ctx context.Context, fromID, toID, relType string) (*kb.Relationship, error) {
	vars := map[string]any{"input": map[string]any{
		"fromId":            fromID,
		"toId":              toID,
		"relationship_type": relType,
	}}
	var data struct {
		Node *struct {
			StandardID       string `json:"standard_id"`
			RelationshipType string `json:"relationship_type"`
		} `json:"stixCoreRelationshipAdd"`
	}
	if err := c.do(ctx, "CreateRelationship", mutationRelationshipAdd, vars, &data); err != nil {
		return nil, err
	}
	if data.Node == nil {
		return nil, fmt.Errorf("opencti CreateRelationship: no relationship returned for %s -> %s", fromID, toID)
	}
	return &kb.Relationship{ID: data.Node.StandardID, Type: data.Node.RelationshipType, FromID: fromID, ToID: toID}, nil
}

func (n *identityNode) toKB() *kb.Identity {
	if n == nil {
		return nil
	}
	return &kb.Identity{ID: n.StandardID, Name: n.Name}
}

func (n *observableNode) toKB() *kb.Observable {
	if n == nil {
		return nil
	}
	obs := &kb.Observable{
		ID:         n.StandardID,
		EntityType: n.EntityType,
		Value:      n.ObservableValue,
		CreatedBy:  n.CreatedBy.toKB(),
	}
	for _, l := range n.ObjectLabel {
		obs.Labels = append(obs.Labels, kb.Label{ID: l.StandardID, Value: l.Value})
	}
	for _, m := range n.ObjectMarking {
		obs.Markings = append(obs.Markings, m.StandardID)
	}
	return obs
}

func (n *indicatorNode) toKB() *kb.Indicator {
	if n == nil {
		return nil
	}
	return &kb.Indicator{
		ID:                 n.StandardID,
		Name:               n.Name,
		Pattern:            n.Pattern,
		PatternType:        n.PatternType,
		MainObservableType: n.MainObservableType,
		CreatedBy:          n.CreatedBy.toKB(),
		Score:              n.Score,
		ValidFrom:          n.ValidFrom,
		ValidUntil:         n.ValidUntil,
		Revoked:            n.Revoked,
	}
}
