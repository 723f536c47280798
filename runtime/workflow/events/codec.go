package events

import (
	"encoding/json"
	"fmt"
)

// Record is the journaled and wire form of one event: the bus-assigned
// timestamp plus the tagged event object. Timestamps are strictly
// increasing within an execution, so a timestamp doubles as a resume
// cursor.
type Record struct {
	Timestamp int64           `json:"timestamp"`
	Event     json.RawMessage `json:"event"`
}

// Encode flattens an Event into its wire form: the payload fields under a
// leading "type" tag. The record timestamp is assigned by the bus, not
// here.
func Encode(evt Event) (json.RawMessage, error) {
	fields, err := json.Marshal(evt.Payload())
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", evt.Type(), err)
	}
	return withType(evt.Type(), fields), nil
}

// Decode rebuilds an Event from a journaled record.
func Decode(executionID string, rec Record) (Event, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(rec.Event, &head); err != nil {
		return Event{}, fmt.Errorf("decode event record: %w", err)
	}

	var payload any
	switch head.Type {
	case ExecutionStart:
		payload = &ExecutionStartPayload{}
	case NodeStart:
		payload = &NodeStartPayload{}
	case NodeOutput:
		payload = &NodeOutputPayload{}
	case NodeWaiting:
		payload = &NodeWaitingPayload{}
	case NodeComplete:
		payload = &NodeCompletePayload{}
	case NodeError:
		payload = &NodeErrorPayload{}
	case ExecutionComplete:
		payload = &ExecutionCompletePayload{}
	case ExecutionError:
		payload = &ExecutionErrorPayload{}
	case ValidationError:
		payload = &ValidationErrorPayload{}
	case NodeEvolution:
		payload = &NodeEvolutionPayload{}
	default:
		return Event{}, fmt.Errorf("decode event record: unknown type %q", head.Type)
	}
	if err := json.Unmarshal(rec.Event, payload); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", head.Type, err)
	}

	return Event{
		t:           head.Type,
		executionID: executionID,
		timestamp:   rec.Timestamp,
		payload:     deref(payload),
	}, nil
}

// withType splices a "type" member ahead of the payload's own fields. All
// payloads marshal to JSON objects.
func withType(t Type, fields []byte) json.RawMessage {
	if len(fields) <= 2 {
		return json.RawMessage(`{"type":"` + string(t) + `"}`)
	}
	out := make([]byte, 0, len(fields)+len(t)+10)
	out = append(out, `{"type":"`...)
	out = append(out, t...)
	out = append(out, `",`...)
	out = append(out, fields[1:]...)
	return out
}

func deref(p any) any {
	switch v := p.(type) {
	case *ExecutionStartPayload:
		return *v
	case *NodeStartPayload:
		return *v
	case *NodeOutputPayload:
		return *v
	case *NodeWaitingPayload:
		return *v
	case *NodeCompletePayload:
		return *v
	case *NodeErrorPayload:
		return *v
	case *ExecutionCompletePayload:
		return *v
	case *ExecutionErrorPayload:
		return *v
	case *ValidationErrorPayload:
		return *v
	case *NodeEvolutionPayload:
		return *v
	}
	return p
}
