// Package remote talks to the estimation backend over HTTP.
package remote

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

	"github.com/atvirokodosprendimai/offlinesync/internal/core/domain"
)

const (
	defaultTimeout = 15 * time.Second
	maxErrorBody   = 4096
)

// Error is returned for non-2xx backend responses.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Message)
}

// Client executes operations against the backend REST API and answers
// health probes.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type idsBody struct {
	IDs    []string   `json:"ids"`
	Fields domain.Row `json:"fields,omitempty"`
}

type upsertBody struct {
	Rows       []domain.Row `json:"rows"`
	OnConflict string       `json:"on_conflict,omitempty"`
}

func (c *Client) Execute(ctx context.Context, collection string, op domain.Operation) (json.RawMessage, error) {
	if err := domain.ValidateCollection(collection); err != nil {
		return nil, err
	}
	records := "/v1/collections/" + collection + "/records"

	switch o := op.(type) {
	case domain.Insert:
		return c.do(ctx, http.MethodPost, records, o.Row)
	case domain.Update:
		return c.do(ctx, http.MethodPatch, records+"/"+url.PathEscape(o.ID), o.Fields)
	case domain.Delete:
		return c.do(ctx, http.MethodDelete, records+"/"+url.PathEscape(o.ID), nil)
	case domain.BulkDelete:
		return c.do(ctx, http.MethodPost, records+":bulk-delete", idsBody{IDs: o.IDs})
	case domain.BulkUpdate:
		return c.do(ctx, http.MethodPost, records+":bulk-update", idsBody{IDs: o.IDs, Fields: o.Fields})
	case domain.Upsert:
		return c.do(ctx, http.MethodPost, records+":upsert", upsertBody{Rows: o.Rows, OnConflict: o.OnConflict})
	case domain.RemoteCall:
		return c.do(ctx, http.MethodPost, "/v1/rpc/"+collection, o.Args)
	default:
		return nil, fmt.Errorf("%w: unsupported operation %T", domain.ErrInvalidOperation, op)
	}
}

// Ping reports whether the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	return err
}

// Refresh refetches the rows behind a cache key. Keys of the form
// "collection:project" list a project's records; any other key is fetched as
// a named view.
func (c *Client) Refresh(ctx context.Context, key string) ([]domain.Row, error) {
	path := "/v1/views/" + url.PathEscape(key)
	if collection, project, ok := strings.Cut(key, ":"); ok && domain.ValidateCollection(collection) == nil {
		path = "/v1/collections/" + collection + "/records?project_id=" + url.QueryEscape(project)
	}
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rows []domain.Row
	if err := json.Unmarshal(raw, &rows); err == nil {
		return rows, nil
	}
	var wrapped struct {
		Items []domain.Row `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return wrapped.Items, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{StatusCode: resp.StatusCode, Message: errorMessage(msg)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	return raw, nil
}

// errorMessage pulls "error" out of a JSON error body and falls back to the
// raw text.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}
