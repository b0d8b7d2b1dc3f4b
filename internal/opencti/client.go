// Package opencti implements kb.Store on top of the OpenCTI GraphQL API.
package opencti

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"webcontent/reputation-service/internal/circuitbreaker"
	"webcontent/reputation-service/internal/metrics"
)

// GraphQLError is returned when the platform answers with an errors array.
type GraphQLError struct {
	Op       string
	Messages []string
}

func (e *GraphQLError) Error() string {
	return fmt.Sprintf("opencti %s: %s", e.Op, strings.Join(e.Messages, "; "))
}

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Client issues GraphQL operations against one OpenCTI platform. Calls go
// through a circuit breaker so that an unavailable platform fails fast.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New("opencti", circuitbreaker.DefaultConfig())
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/graphql",
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		breaker:  breaker,
	}
}

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do runs one named operation and decodes its data object into out.
func (c *Client) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	start := time.Now()
	defer func() {
		metrics.StoreDuration.WithLabelValues("opencti_" + op).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(gqlRequest{OperationName: op, Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}

	var resp gqlResponse
	err = c.breaker.Execute(func() error {
		return c.roundTrip(ctx, op, body, &resp)
	})
	if err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		gerr := &GraphQLError{Op: op}
		for _, e := range resp.Errors {
			gerr.Messages = append(gerr.Messages, e.Message)
		}
		return gerr
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

// roundTrip only fails on transport problems and non-2xx answers, which are
// what the breaker counts. GraphQL errors arrive with a 200.
func (c *Client) roundTrip(ctx context.Context, op string, body []byte, resp *gqlResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("opencti %s: %w", op, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("opencti %s: status %d: %s", op, res.StatusCode, bytes.TrimSpace(snippet))
	}
	if err := json.NewDecoder(res.Body).Decode(resp); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("opencti %s: empty response", op)
		}
		return fmt.Errorf("opencti %s: decode response: %w", op, err)
	}
	return nil
}
