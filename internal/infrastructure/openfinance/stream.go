package openfinance

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"finlink/internal/domain/item"
	"finlink/internal/domain/linking"
)

const (
	minReconnectInterval = time.Second
	maxReconnectInterval = 30 * time.Second
	maxEventSize         = 1 << 20
)

// Stream subscribes to the backend's per-item server-sent events.
type Stream struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	minReconnect time.Duration
	maxReconnect time.Duration
}

var _ linking.Subscriber = (*Stream)(nil)

// NewStream creates a subscriber for the backend at baseURL. The HTTP client
// has no timeout; subscriptions end when their context is cancelled.
func NewStream(baseURL, token string) *Stream {
	return &Stream{
		httpClient:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		minReconnect: minReconnectInterval,
		maxReconnect: maxReconnectInterval,
	}
}

// Subscribe streams the events of itemID until ctx is cancelled,
// reconnecting with exponential backoff whenever the stream drops.
func (s *Stream) Subscribe(ctx context.Context, tenantID, itemID string, onEvent func(item.StreamEvent), onStatus func(linking.ConnectionStatus)) error {
	if itemID == "" {
		return errors.New("item ID is required")
	}

	backoff := s.minReconnect
	onStatus(linking.ConnConnecting)

	for {
		connected, err := s.connectAndRead(ctx, tenantID, itemID, onEvent, onStatus)
		if ctx.Err() != nil {
			onStatus(linking.ConnClosed)
			return ctx.Err()
		}

		if err != nil {
			log.Printf("Item %s: event stream error: %v", itemID, err)
			onStatus(linking.ConnError)
		} else {
			onStatus(linking.ConnDisconnected)
		}
		if connected {
			backoff = s.minReconnect
		}

		// Wait before reconnecting
		select {
		case <-ctx.Done():
			onStatus(linking.ConnClosed)
			return ctx.Err()
		case <-time.After(backoff):
			log.Printf("Item %s: reconnecting to event stream...", itemID)
			onStatus(linking.ConnReconnecting)
		}
		backoff *= 2
		if backoff > s.maxReconnect {
			backoff = s.maxReconnect
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context, tenantID, itemID string, onEvent func(item.StreamEvent), onStatus func(linking.ConnectionStatus)) (bool, error) {
	params := url.Values{}
	params.Set("tenantId", tenantID)
	params.Set("itemId", itemID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+eventsPath+"?"+params.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, newAPIError(http.MethodGet, eventsPath, resp.StatusCode, raw)
	}

	onStatus(linking.ConnConnected)
	err = ReadEvents(resp.Body, func(ev Event) {
		se, err := ev.StreamEvent()
		if err != nil {
			log.Printf("Item %s: skipping malformed event: %v", itemID, err)
			return
		}
		onEvent(se)
	})
	return true, err
}

// Event is one server-sent event.
type Event struct {
	ID   string
	Name string
	Data string
}

// StreamEvent decodes the event's JSON data. The SSE event name fills in a
// missing "event" field.
func (e Event) StreamEvent() (item.StreamEvent, error) {
	var se item.StreamEvent
	if err := json.Unmarshal([]byte(e.Data), &se); err != nil {
		return se, fmt.Errorf("failed to decode event data: %w", err)
	}
	if se.Event == "" {
		se.Event = e.Name
	}
	return se, nil
}

// ReadEvents parses a text/event-stream body and calls fn for every event
// that carries data. It returns nil when the body ends.
func ReadEvents(r io.Reader, fn func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var (
		ev   Event
		data []string
	)
	dispatch := func() {
		if len(data) > 0 {
			ev.Data = strings.Join(data, "\n")
			fn(ev)
		}
		ev = Event{ID: ev.ID}
		data = data[:0]
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			dispatch()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read event stream: %w", err)
	}
	dispatch()
	return nil
}
