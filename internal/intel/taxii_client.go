package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TAXIIClient reads objects from a peer's TAXII 2.1 collection.
type TAXIIClient struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
}

func NewTAXIIClient(baseURL, username, password string) *TAXIIClient {
	return &TAXIIClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Username: username,
		Password: password,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ObjectsPage is one response from the objects endpoint.
type ObjectsPage struct {
	Body []byte
	// AddedLast is the peer's X-TAXII-Date-Added-Last, zero when absent.
	AddedLast time.Time
}

// FetchObjects fetches objects added to the collection after addedAfter.
func (c *TAXIIClient) FetchObjects(ctx context.Context, collectionID string, addedAfter time.Time) (*ObjectsPage, error) {
	u := fmt.Sprintf("%s/taxii2/collections/%s/objects/", c.BaseURL, url.PathEscape(collectionID))
	if !addedAfter.IsZero() {
		u += "?" + url.Values{"added_after": {addedAfter.UTC().Format(time.RFC3339Nano)}}.Encode()
	}

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("taxii server returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}

	page := &ObjectsPage{Body: body}
	if v := resp.Header.Get(headerAddedLast); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			page.AddedLast = t
		}
	}
	return page, nil
}

func (c *TAXIIClient) ListCollections(ctx context.Context) ([]Collection, error) {
	resp, err := c.get(ctx, c.BaseURL+"/taxii2/collections/")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("taxii server returned %d", resp.StatusCode)
	}

	var result struct {
		Collections []Collection `json:"collections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Collections, nil
}

func (c *TAXIIClient) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	req.Header.Set("Accept", taxiiMediaType)
	return c.HTTPClient.Do(req)
}

// Collection represents a TAXII collection
type Collection struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	CanRead     bool     `json:"can_read"`
	CanWrite    bool     `json:"can_write"`
	MediaTypes  []string `json:"media_types,omitempty"`
}
