package opencti

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"webcontent/reputation-service/internal/circuitbreaker"
	"webcontent/reputation-service/internal/content"
	"webcontent/reputation-service/internal/kb"
)

type recordedRequest struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	auth          string
}

// fakePlatform answers GraphQL operations with canned data keyed by operation name.
type fakePlatform struct {
	t        *testing.T
	answers  map[string]string
	requests []recordedRequest
	status   int
}

func (f *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/graphql" || r.Method != http.MethodPost {
		f.t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}
	var req recordedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("decode request: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req.auth = r.Header.Get("Authorization")
	f.requests = append(f.requests, req)

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	answer, ok := f.answers[req.OperationName]
	if !ok {
		answer = `{"data": null, "errors": [{"message": "unknown operation"}]}`
	}
	w.Write([]byte(answer))
}

func newFake(t *testing.T, answers map[string]string) (*fakePlatform, *Client) {
	t.Helper()
	f := &fakePlatform{t: t, answers: answers}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := NewClient(Config{URL: srv.URL, Token: "secret-token", Timeout: time.Second},
		circuitbreaker.New("opencti-test-"+t.Name(), circuitbreaker.DefaultConfig()))
	return f, c
}

func TestClient_GetObservable(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"GetObservable": `{"data": {"stixCyberObservable": {
			"standard_id": "domain-name--1",
			"entity_type": "Domain-Name",
			"observable_value": "example.invalid",
			"createdBy": {"standard_id": "identity--seal", "name": "SEAL"},
			"objectLabel": [{"standard_id": "label--t", "value": "trusted web content"}],
			"objectMarking": [{"standard_id": "marking-definition--clear"}]
		}}}`,
	})

	obs, err := c.GetObservable(context.Background(), "domain-name--1")
	if err != nil {
		t.Fatalf("GetObservable: %v", err)
	}
	if obs.ID != "domain-name--1" || obs.Value != "example.invalid" {
		t.Errorf("unexpected observable %+v", obs)
	}
	if obs.CreatorID() != "identity--seal" || obs.CreatedBy.Name != "SEAL" {
		t.Errorf("unexpected creator %+v", obs.CreatedBy)
	}
	if !obs.HasLabel("trusted web content") || len(obs.Markings) != 1 {
		t.Errorf("labels or markings lost: %+v", obs)
	}

	if len(f.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(f.requests))
	}
	if f.requests[0].auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", f.requests[0].auth)
	}
	if f.requests[0].Variables["id"] != "domain-name--1" {
		t.Errorf("unexpected variables %v", f.requests[0].Variables)
	}
}

func TestClient_GetMissing(t *testing.T) {
	_, c := newFake(t, map[string]string{
		"GetIndicator": `{"data": {"indicator": null}}`,
	})
	ind, err := c.GetIndicator(context.Background(), "indicator--missing")
	if err != nil {
		t.Fatalf("GetIndicator: %v", err)
	}
	if ind != nil {
		t.Errorf("expected nil indicator, got %+v", ind)
	}
}

func TestClient_CreateObservableTypedInput(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"CreateObservable": `{"data": {"stixCyberObservableAdd": {"standard_id": "url--1", "entity_type": "Url", "observable_value": "https://x.invalid/"}}}`,
	})
	obs, err := c.CreateObservable(context.Background(), kb.ObservableInput{
		Content:   content.Content{Type: content.URL, Value: "https://x.invalid/"},
		CreatedBy: "identity--seal",
		Markings:  []string{"marking-definition--clear"},
	})
	if err != nil {
		t.Fatalf("CreateObservable: %v", err)
	}
	if obs.ID != "url--1" {
		t.Errorf("unexpected id %s", obs.ID)
	}
	vars := f.requests[0].Variables
	if vars["type"] != "Url" || vars["createdBy"] != "identity--seal" {
		t.Errorf("unexpected variables %v", vars)
	}
	typed, ok := vars["Url"].(map[string]any)
	if !ok || typed["value"] != "https://x.invalid/" {
		t.Errorf("typed Url input missing: %v", vars)
	}
}

func TestClient_PatchObservableSendsLabelIDs(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"PatchObservable": `{"data": {"stixCyberObservableEdit": {"fieldPatch": {"standard_id": "domain-name--1"}}}}`,
	})
	creator := "identity--acme"
	labels := []kb.Label{{ID: "label--a", Value: "a"}, {ID: "label--b", Value: "b"}}
	if _, err := c.PatchObservable(context.Background(), "domain-name--1", kb.ObservablePatch{CreatedBy: &creator, Labels: &labels}); err != nil {
		t.Fatalf("PatchObservable: %v", err)
	}

	input, ok := f.requests[0].Variables["input"].([]any)
	if !ok || len(input) != 2 {
		t.Fatalf("unexpected input %v", f.requests[0].Variables["input"])
	}
	labelEdit := input[1].(map[string]any)
	if labelEdit["key"] != "objectLabel" {
		t.Fatalf("second edit key = %v", labelEdit["key"])
	}
	values := labelEdit["value"].([]any)
	if len(values) != 2 || values[0] != "label--a" || values[1] != "label--b" {
		t.Errorf("label ids = %v", values)
	}
}

func TestClient_PatchIndicatorRevoke(t *testing.T) {
	f, c := newFake(t, map[string]string{
		"PatchIndicator": `{"data": {"indicatorFieldPatch": {"standard_id": "indicator--1", "x_opencti_score": 0, "revoked": true, "valid_from": "2026-01-01T00:00:00Z", "valid_until": "2027-01-01T00:00:00Z"}}}`,
	})
	score, revoked := kb.ScoreInactive, true
	ind, err := c.PatchIndicator(context.Background(), "indicator--1", kb.IndicatorPatch{Score: &score, Revoked: &revoked})
	if err != nil {
		t.Fatalf("PatchIndicator: %v", err)
	}
	if !ind.Revoked || ind.Score != 0 {
		t.Errorf("unexpected indicator %+v", ind)
	}
	if !ind.ValidFrom.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("valid_from = %v", ind.ValidFrom)
	}
	if input := f.requests[0].Variables["input"].([]any); len(input) != 2 {
		t.Errorf("expected score and revoked edits, got %v", input)
	}
}

func TestClient_GraphQLError(t *testing.T) {
	_, c := newFake(t, map[string]string{
		"GetObservable": `{"data": null, "errors": [{"message": "ForbiddenAccess"}]}`,
	})
	_, err := c.GetObservable(context.Background(), "domain-name--1")
	var gerr *GraphQLError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GraphQLError, got %v", err)
	}
	if gerr.Op != "GetObservable" || gerr.Messages[0] != "ForbiddenAccess" {
		t.Errorf("unexpected error %+v", gerr)
	}
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	f := &fakePlatform{t: t, status: http.StatusBadGateway}
	srv := httptest.NewServer(f)
	defer srv.Close()
	breaker := circuitbreaker.New("opencti-breaker-test", circuitbreaker.Config{
		FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, MinimumRequestThreshold: 2,
	})
	c := NewClient(Config{URL: srv.URL}, breaker)

	for i := 0; i < 2; i++ {
		if _, err := c.GetIndicator(context.Background(), "indicator--1"); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	_, err := c.GetIndicator(context.Background(), "indicator--1")
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if len(f.requests) != 2 {
		t.Errorf("open breaker still reached the platform: %d requests", len(f.requests))
	}
}
