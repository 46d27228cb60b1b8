// Package http provides an HTTP client for a flagedge node.
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	flagedge "github.com/matt-riley/flagedge/clients/go"
)

// contextHeader carries evaluation attributes to the edge.
const contextHeader = "x-featurehub"

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the edge node, e.g. "http://localhost:8080".
	BaseURL string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements flagedge.Poller and flagedge.Streamer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for a flagedge node.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagedge: HTTP %d: %s", e.StatusCode, e.Message)
}

func readAPIError(resp *http.Response) error {
	defer resp.Body.Close()
	msg, _ := io.ReadAll(resp.Body)
	var body struct {
		Error string `json:"error"`
	}
	message := strings.TrimSpace(string(msg))
	if json.Unmarshal(msg, &body) == nil && body.Error != "" {
		message = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message}
}

// Poll fetches every environment named in req.APIKeys in one request.
func (c *Client) Poll(ctx context.Context, req flagedge.PollRequest) (flagedge.PollResult, error) {
	query := url.Values{}
	for _, key := range req.APIKeys {
		query.Add("apiKey", key)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/features?"+query.Encode(), nil)
	if err != nil {
		return flagedge.PollResult{}, fmt.Errorf("flagedge: create request: %w", err)
	}
	if encoded := req.Context.Encode(); encoded != "" {
		httpReq.Header.Set(contextHeader, encoded)
	}
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return flagedge.PollResult{}, fmt.Errorf("flagedge: http: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		resp.Body.Close()
		tag := resp.Header.Get("ETag")
		if tag == "" {
			tag = req.ETag
		}
		return flagedge.PollResult{ETag: tag, NotModified: true}, nil
	case resp.StatusCode >= 400:
		return flagedge.PollResult{}, readAPIError(resp)
	}
	defer resp.Body.Close()

	var environments []flagedge.Environment
	if err := json.NewDecoder(resp.Body).Decode(&environments); err != nil {
		return flagedge.PollResult{}, fmt.Errorf("flagedge: decode response: %w", err)
	}
	return flagedge.PollResult{Environments: environments, ETag: resp.Header.Get("ETag")}, nil
}

// Stream connects to the SSE stream for req.APIKey and emits events on the
// returned channel. The channel is closed when ctx is cancelled or the
// connection drops.
func (c *Client) Stream(ctx context.Context, req flagedge.StreamRequest) (<-chan flagedge.Event, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/features/"+strings.Trim(req.APIKey, "/"), nil)
	if err != nil {
		return nil, fmt.Errorf("flagedge: create stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if encoded := req.Context.Encode(); encoded != "" {
		httpReq.Header.Set(contextHeader, encoded)
	}
	if req.LastEventID != "" {
		httpReq.Header.Set("Last-Event-ID", req.LastEventID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("flagedge: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, readAPIError(resp)
	}

	ch := make(chan flagedge.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Initial features events can be large; allow 1 MiB lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed events to ch. It handles
// the id, event and data fields, comments, and multi-line data.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- flagedge.Event) {
	var (
		eventType string
		eventID   string
		dataLines []string
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := decodeEvent(eventType, eventID, strings.Join(dataLines, "\n"))
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			eventType, eventID, dataLines = "", "", nil
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

func decodeEvent(eventType, id, data string) flagedge.Event {
	ev := flagedge.Event{Type: eventType, ID: id}
	switch eventType {
	case flagedge.EventFeatures:
		var features []flagedge.FeatureState
		if json.Unmarshal([]byte(data), &features) == nil {
			ev.Features = features
		}
	case flagedge.EventFeature, flagedge.EventDeleteFeature:
		var feature flagedge.FeatureState
		if json.Unmarshal([]byte(data), &feature) == nil {
			ev.Feature = &feature
		}
	default:
		var status struct {
			Status string `json:"status"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal([]byte(data), &status) == nil {
			ev.Status = status.Status
			ev.Reason = status.Reason
		}
	}
	return ev
}
