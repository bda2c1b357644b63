package feedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leadloop/activityd/pkg/feed"
)

// FetchError reports a non-success response from the activity REST API. The
// snapshot fetch is not retried internally; the caller surfaces the error and
// owns the retry affordance.
type FetchError struct {
	Status  int
	Message string
}

func (e *FetchError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("activity fetch failed: http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("activity fetch failed: http %d", e.Status)
}

// HTTPClient fetches activity snapshots and persists client-originated
// events over REST, authenticating with a bearer token.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

// FetchActivity retrieves the full backlog matching the filter, following
// pagination cursors until the listing is exhausted.
func (c *HTTPClient) FetchActivity(ctx context.Context, filter feed.Filter) ([]feed.Event, error) {
	var (
		out    []feed.Event
		cursor string
	)
	for {
		page, err := c.fetchPage(ctx, filter, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Activities...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			return out, nil
		}
		cursor = *page.NextCursor
	}
}

func (c *HTTPClient) fetchPage(ctx context.Context, filter feed.Filter, cursor string) (feed.ActivityPage, error) {
	q := url.Values{}
	if len(filter.Types) > 0 {
		names := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			names[i] = string(t.Canonical())
		}
		q.Set("type", strings.Join(names, ","))
	}
	if !filter.From.IsZero() {
		q.Set("from", filter.From.Format(time.RFC3339Nano))
	}
	if !filter.To.IsZero() {
		q.Set("to", filter.To.Format(time.RFC3339Nano))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	path := "/api/v1/activity"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var page feed.ActivityPage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		return feed.ActivityPage{}, err
	}
	return page, nil
}

// PostActivity persists a client-originated event. The returned event carries
// the server-assigned id and timestamp.
func (c *HTTPClient) PostActivity(ctx context.Context, ev feed.Event) (feed.Event, error) {
	var created feed.Event
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/activity", ev, &created); err != nil {
		return feed.Event{}, err
	}
	return created, nil
}

// MarkRead flags an event as read on the server and returns the confirmed
// copy.
func (c *HTTPClient) MarkRead(ctx context.Context, id string) (feed.Event, error) {
	var updated feed.Event
	path := "/api/v1/activity/" + url.PathEscape(id) + "/read"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &updated); err != nil {
		return feed.Event{}, err
	}
	return updated, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &FetchError{Status: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &FetchError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4*1024))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}
