package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/neosignal-dev/openai-proxy-ha/internal/reliability"
)

// Client talks to the Home Assistant REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// StatusError is a non-2xx platform response. Whether it is transient decides
// executor retry behavior.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Transient() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

type stateRow struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

type areaRow struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// Snapshot fetches the full entity and area state in one pass.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	var states []stateRow
	if err := c.request(ctx, http.MethodGet, "states", nil, &states); err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}

	// Areas are optional: older platform versions do not expose the endpoint.
	var areas []areaRow
	if err := c.request(ctx, http.MethodGet, "areas", nil, &areas); err != nil {
		areas = nil
	}

	snap := &Snapshot{
		Entities: make([]Entity, 0, len(states)),
		Areas:    make([]Area, 0, len(areas)),
	}
	for _, row := range states {
		snap.Entities = append(snap.Entities, Entity{
			EntityID:     row.EntityID,
			State:        row.State,
			FriendlyName: attrString(row.Attributes, "friendly_name"),
			Aliases:      attrStrings(row.Attributes, "aliases"),
			AreaID:       attrString(row.Attributes, "area_id"),
		})
	}
	for _, row := range areas {
		snap.Areas = append(snap.Areas, Area(row))
	}
	return snap, nil
}

// CallService invokes "domain.service" against the selected target.
func (c *Client) CallService(ctx context.Context, domain, service string, target Target, data map[string]any) error {
	payload := make(map[string]any, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	if len(target.EntityIDs) > 0 {
		payload["entity_id"] = target.EntityIDs
	}
	if len(target.AreaIDs) > 0 {
		payload["area_id"] = target.AreaIDs
	}

	endpoint := fmt.Sprintf("services/%s/%s", domain, service)
	if err := c.request(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		return fmt.Errorf("call %s.%s: %w", domain, service, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	url := fmt.Sprintf("%s/api/%s", c.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func attrString(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func attrStrings(attrs map[string]any, key string) []string {
	raw, ok := attrs[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
