// Package client talks to the provisiond HTTP API. The CLI and the watch TUI use it.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/provisiond/internal/api"
	"github.com/mattjoyce/provisiond/internal/events"
	"github.com/mattjoyce/provisiond/internal/inventory"
	"github.com/mattjoyce/provisiond/internal/task"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("api error %d: %s (field %s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is an API client bound to one base URL and bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

// New creates a client for the API at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		// Event streams are long-lived.
		stream: &http.Client{},
	}
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (*api.HealthzResponse, error) {
	var out api.HealthzResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit dispatches command with cfg and returns the pending task.
func (c *Client) Submit(ctx context.Context, command string, cfg map[string]any) (*api.DispatchResponse, error) {
	var out api.DispatchResponse
	body := api.DispatchRequest{Config: cfg}
	if err := c.do(ctx, http.MethodPost, "/commands/"+url.PathEscape(command), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get polls one task.
func (c *Client) Get(ctx context.Context, taskID string) (*api.TaskResponse, error) {
	var out api.TaskResponse
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns task records, optionally filtered by status.
func (c *Client) List(ctx context.Context, status task.Status) ([]api.TaskResponse, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out api.TaskListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Inventory fetches the full inventory document as raw JSON.
func (c *Client) Inventory(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/inventory", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InventoryHost fetches the hostvars of addr. Unknown hosts yield zero HostVars.
func (c *Client) InventoryHost(ctx context.Context, addr string) (inventory.HostVars, error) {
	var out inventory.HostVars
	err := c.do(ctx, http.MethodGet, "/inventory/hosts/"+url.PathEscape(addr), nil, &out)
	return out, err
}

// Wait polls taskID every interval until it reaches a terminal status or ctx ends.
func (c *Client) Wait(ctx context.Context, taskID string, interval time.Duration) (*api.TaskResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := c.Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Events streams /events into out until ctx ends or the server closes the stream.
// Events after lastID are replayed from the server's ring buffer.
func (c *Client) Events(ctx context.Context, lastID int64, out chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return readEvents(ctx, resp.Body, out)
}

func readEvents(ctx context.Context, body io.Reader, out chan<- events.Event) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var cur events.Event
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data == nil {
				continue
			}
			cur.Data = data
			if cur.At.IsZero() {
				cur.At = time.Now()
			}
			select {
			case out <- cur:
			case <-ctx.Done():
				return ctx.Err()
			}
			cur, data = events.Event{}, nil
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = []byte(line[6:])
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body api.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error, Field: body.Field}
}
