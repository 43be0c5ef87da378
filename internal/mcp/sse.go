package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DoneSentinel terminates a stream when it arrives as a data payload.
const DoneSentinel = "[DONE]"

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	Event string
	Data  string
	ID    string
	Retry int
}

// SSEReader reads Server-Sent Events from an HTTP response
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
	}
}

// ReadEvent reads the next SSE event
func (r *SSEReader) ReadEvent() (*SSEEvent, error) {
	event := &SSEEvent{}

	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				if event.Data != "" {
					return event, nil
				}
				return nil, err
			}
			return nil, err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if event.Data != "" || event.Event != "" {
				// Remove trailing newline from data
				event.Data = strings.TrimSuffix(event.Data, "\n")
				return event, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			// Comment, ignore
			continue
		}

		colonIdx := strings.Index(line, ":")
		var field, value string
		if colonIdx == -1 {
			field = line
			value = ""
		} else {
			field = line[:colonIdx]
			value = line[colonIdx+1:]
			if strings.HasPrefix(value, " ") {
				value = value[1:]
			}
		}

		switch field {
		case "event":
			event.Event = value
		case "data":
			event.Data += value + "\n"
		case "id":
			event.ID = value
		case "retry":
			fmt.Sscanf(value, "%d", &event.Retry)
		}
	}
}

// Done reports whether the event carries the stream-terminating sentinel.
func (e *SSEEvent) Done() bool {
	return strings.TrimSpace(e.Data) == DoneSentinel
}

// SSEWriter writes Server-Sent Events to an HTTP response
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Write status and flush headers immediately
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{
		w:       w,
		flusher: flusher,
	}, nil
}

// WriteEvent writes an SSE event
func (w *SSEWriter) WriteEvent(event *SSEEvent) error {
	if event.Event != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", event.Event); err != nil {
			return err
		}
	}

	if event.ID != "" {
		if _, err := fmt.Fprintf(w.w, "id: %s\n", event.ID); err != nil {
			return err
		}
	}

	if event.Retry > 0 {
		if _, err := fmt.Fprintf(w.w, "retry: %d\n", event.Retry); err != nil {
			return err
		}
	}

	// Split data by newlines and write each line
	lines := strings.Split(event.Data, "\n")
	for _, line := range lines {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprint(w.w, "\n"); err != nil {
		return err
	}

	w.flusher.Flush()
	return nil
}

// WriteMessage writes a JSON-RPC message as an SSE event
func (w *SSEWriter) WriteMessage(eventType string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return w.WriteEvent(&SSEEvent{
		Event: eventType,
		Data:  string(data),
	})
}

// WriteJSONRPCResponse writes a JSON-RPC response as an SSE event
func (w *SSEWriter) WriteJSONRPCResponse(resp *JSONRPCResponse) error {
	return w.WriteMessage("message", resp)
}

// WriteDone writes the stream-terminating sentinel.
func (w *SSEWriter) WriteDone() error {
	return w.WriteEvent(&SSEEvent{Data: DoneSentinel})
}

// Close writes the close event
func (w *SSEWriter) Close() error {
	return w.WriteEvent(&SSEEvent{
		Event: "close",
	})
}
