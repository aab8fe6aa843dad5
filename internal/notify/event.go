package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type names a broadcast event.
type Type string

const (
	TypeAuthChanged     Type = "AUTH_CHANGED"
	TypeJobUpdated      Type = "JOB_UPDATED"
	TypeJobDismissed    Type = "JOB_DISMISSED"
	TypeSettingsChanged Type = "SETTINGS_CHANGED"
)

// Event is one state change pushed to surfaces. Data is the JSON payload
// whose shape depends on Type.
type Event struct {
	Type    Type            `json:"type"`
	Subject string          `json:"subject,omitempty"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewEvent encodes data into an event stamped with the current time.
func NewEvent(typ Type, subject string, data any) (Event, error) {
	ev := Event{Type: typ, Subject: subject, At: time.Now().UTC()}
	if data == nil {
		return ev, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", typ, err)
	}
	ev.Data = raw
	return ev, nil
}

// Decode unmarshals the payload into dst.
func (e Event) Decode(dst any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s event has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}
