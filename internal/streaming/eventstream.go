package streaming

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"transferclient/internal/apiclient"
	"transferclient/internal/core"
)

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Type string
	Data string
	// Retry is the reconnection delay the server asked for, zero if unset.
	Retry time.Duration
}

// EventStream reads server-sent events from an open response.
type EventStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	ctx    context.Context
	lastID string
}

// OpenEventStream connects to an SSE endpoint. The stream lives until ctx is
// done or Close is called; it has no request timeout.
func (f *Factory) OpenEventStream(ctx context.Context, path string) (*EventStream, error) {
	target, err := f.URL(path)
	if err != nil {
		return nil, core.NewInvalidRequestError("invalid stream path", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to create request", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.api.HTTPClient().Do(req)
	if err != nil {
		return nil, streamError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, core.ParseHTTPError(resp.StatusCode, apiclient.StatusText(resp), data)
	}

	f.logger.Debug("event stream opened", "path", path)
	return &EventStream{
		body:   resp.Body,
		reader: bufio.NewReader(resp.Body),
		ctx:    ctx,
	}, nil
}

// Next blocks for the next event. It returns io.EOF when the server ends the
// stream; an event cut off by EOF is discarded.
func (s *EventStream) Next() (Event, error) {
	var data []string
	ev := Event{ID: s.lastID}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, streamError(s.ctx, err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data == nil {
				// a block without data only updates the last event id
				ev = Event{ID: s.lastID}
				continue
			}
			ev.Data = strings.Join(data, "\n")
			if ev.Type == "" {
				ev.Type = "message"
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			ev.Type = value
		case "id":
			if !strings.Contains(value, "\x00") {
				s.lastID = value
				ev.ID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// LastEventID returns the most recent id the server sent.
func (s *EventStream) LastEventID() string {
	return s.lastID
}

// Close releases the connection.
func (s *EventStream) Close() error {
	return s.body.Close()
}

func streamError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return core.NewCancelledError("Stream closed", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return core.NewTimeoutError(err)
	default:
		return core.NewTransportError(err)
	}
}

// ParseEvents reads every complete event from r. It is the offline
// counterpart of EventStream.Next, used for recorded streams.
func ParseEvents(r io.Reader) ([]Event, error) {
	s := &EventStream{
		body:   io.NopCloser(r),
		reader: bufio.NewReader(r),
		ctx:    context.Background(),
	}
	var events []Event
	for {
		ev, err := s.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
