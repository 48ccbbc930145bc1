package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventType enumerates the stream lifecycle transitions reported by the
// media server.
type EventType string

const (
	// EventTypePublish is emitted when an encoder starts publishing.
	EventTypePublish EventType = "publish"
	// EventTypePublishDone is emitted when the publisher disconnects.
	EventTypePublishDone EventType = "publish_done"
)

// Event is the wire representation carried by a Queue.
type Event struct {
	Type       EventType `json:"type"`
	StreamKey  string    `json:"streamKey"`
	StreamID   int64     `json:"streamId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Validate checks the fields required by Type.
func (e Event) Validate() error {
	switch e.Type {
	case EventTypePublish:
		if e.StreamID <= 0 {
			return errors.New("publish event requires a stream id")
		}
	case EventTypePublishDone:
	case "":
		return errors.New("event type is required")
	default:
		return fmt.Errorf("unknown event type %q", string(e.Type))
	}
	if strings.TrimSpace(e.StreamKey) == "" {
		return errors.New("event stream key is required")
	}
	return nil
}
