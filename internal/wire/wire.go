// Package wire defines the JSON event representation spec.md §6 fixes for
// REST/remote consumers: JSON objects tagged by event_type. The REST
// transport itself is out of scope; this package only defines the encoding
// the out-of-scope façade would use when relaying EventBus events.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tarotech/taro/internal/instance"
)

// EventType discriminates the JSON encoding of an Event.
type EventType string

const (
	EventTypeStateChanged EventType = "state_changed"
	EventTypeOutputLine   EventType = "output_line"
)

// StateChangedWire is the JSON wire shape of a StateChanged event.
type StateChangedWire struct {
	EventType  EventType `json:"event_type"`
	InstanceID string    `json:"instance_id"`
	JobID      string    `json:"job_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// OutputLineWire is the JSON wire shape of an OutputLine event.
type OutputLineWire struct {
	EventType  EventType `json:"event_type"`
	InstanceID string    `json:"instance_id"`
	Stream     string    `json:"stream"`
	Text       string    `json:"text"`
	At         time.Time `json:"at"`
}

// MarshalEvent encodes e as its tagged JSON wire representation.
func MarshalEvent(e instance.Event) ([]byte, error) {
	switch v := e.(type) {
	case instance.StateChanged:
		w := StateChangedWire{
			EventType:  EventTypeStateChanged,
			InstanceID: string(v.Snapshot.ID),
			JobID:      string(v.Snapshot.JobID),
			From:       string(v.From),
			To:         string(v.To),
			At:         v.Occurred,
			Error:      v.Snapshot.Error,
		}
		if v.Snapshot.HasExit {
			c := v.Snapshot.ExitCode
			w.ExitCode = &c
		}
		return json.Marshal(w)
	case instance.OutputLine:
		w := OutputLineWire{
			EventType:  EventTypeOutputLine,
			InstanceID: string(v.Instance),
			Stream:     string(v.Stream),
			Text:       v.Text,
			At:         v.Occurred,
		}
		return json.Marshal(w)
	default:
		return nil, fmt.Errorf("wire: unsupported event type %T", e)
	}
}

// envelope is used only to sniff event_type before unmarshaling into a
// concrete wire type.
type envelope struct {
	EventType EventType `json:"event_type"`
}

// UnmarshalEvent decodes a tagged JSON wire event into its concrete wire
// struct (StateChangedWire or OutputLineWire).
func UnmarshalEvent(b []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("wire: sniff event_type: %w", err)
	}

	switch env.EventType {
	case EventTypeStateChanged:
		var w StateChangedWire
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, fmt.Errorf("wire: decode state_changed: %w", err)
		}
		return w, nil
	case EventTypeOutputLine:
		var w OutputLineWire
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, fmt.Errorf("wire: decode output_line: %w", err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("wire: unknown event_type %q", env.EventType)
	}
}
