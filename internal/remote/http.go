package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// HTTPConfig holds configuration for the HTTP backend client.
type HTTPConfig struct {
	// BaseURL of the backend, e.g. https://api.example.com/v1.
	BaseURL string

	// Token is sent as a bearer credential. Empty means no auth header.
	Token string

	// Client is the HTTP client (default: 15s timeout).
	Client *http.Client

	// Logger for client activity (default: stderr logger).
	Logger *log.Logger
}

// HTTP talks to the backend over its REST rows API, and over a websocket
// for the live channel.
type HTTP struct {
	base   string
	token  string
	client *http.Client
	logger *log.Logger
}

var _ Client = (*HTTP)(nil)

// NewHTTP creates a backend client.
func NewHTTP(config HTTPConfig) *HTTP {
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &HTTP{
		base:   strings.TrimRight(config.BaseURL, "/"),
		token:  config.Token,
		client: client,
		logger: logger,
	}
}

// ListChapters returns every chapter row for a project.
//
// Rows are decoded individually: a malformed row is logged and skipped so
// one bad record cannot poison a whole pull.
func (h *HTTP) ListChapters(ctx context.Context, projectID string) ([]Row, error) {
	var raw []json.RawMessage
	path := fmt.Sprintf("/projects/%s/chapters", url.PathEscape(projectID))
	if err := h.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(raw))
	for i, data := range raw {
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			h.logger.Printf("Warning: skipping malformed remote row %d for project %s: %v", i, projectID, err)
			continue
		}
		if row.ID == "" {
			h.logger.Printf("Warning: skipping remote row %d without id for project %s", i, projectID)
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// UpsertChapter writes a row, keyed by its id.
func (h *HTTP) UpsertChapter(ctx context.Context, row Row) error {
	path := fmt.Sprintf("/chapters/%s", url.PathEscape(row.ID))
	return h.do(ctx, http.MethodPut, path, row, nil)
}

// DeleteChapter removes a row. A 404 reads as success: the row is gone.
func (h *HTTP) DeleteChapter(ctx context.Context, projectID, id string) error {
	path := fmt.Sprintf("/projects/%s/chapters/%s", url.PathEscape(projectID), url.PathEscape(id))
	err := h.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && strings.Contains(err.Error(), "status 404") {
		return nil
	}
	return err
}

// EnsureProject creates the project row if absent.
func (h *HTTP) EnsureProject(ctx context.Context, projectID string) error {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	return h.do(ctx, http.MethodPut, path, map[string]string{"id": projectID}, nil)
}

// Subscribe opens the project's live channel over websocket and pumps
// events to the handler until stop is called or the connection drops.
// Channel errors after the dial are logged, never surfaced: a live view
// dropping out must not crash its consumer.
func (h *HTTP) Subscribe(ctx context.Context, projectID string, handler func(Event)) (func(), error) {
	wsURL := h.base + fmt.Sprintf("/projects/%s/chapters/watch", url.PathEscape(projectID))
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()

	opts := &websocket.DialOptions{}
	if h.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + h.token}}
	}
	conn, _, err := websocket.Dial(dialCtx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open live channel for project %s: %w", projectID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			_, data, err := conn.Read(runCtx)
			if err != nil {
				if runCtx.Err() == nil {
					h.logger.Printf("Live channel for project %s closed: %v", projectID, err)
				}
				return
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				h.logger.Printf("Warning: dropping malformed live event for project %s: %v", projectID, err)
				continue
			}
			handler(ev)
		}
	}()

	stop := func() {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
	}
	return stop, nil
}

// do performs one JSON round-trip. A non-2xx response is an error carrying
// the status and a truncated body.
func (h *HTTP) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}
