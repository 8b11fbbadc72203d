package model

import "encoding/json"

// Event is the unit of pub/sub delivery. The Type field doubles as the
// routing topic. Payload is structured but opaque; it is serialized whenever
// the event crosses an execution-unit or process boundary, so subscribers
// never share memory with the emitter.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event. A payload that cannot be
// marshaled is replaced by null rather than failing the emit path.
func NewEvent(eventType string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("null")
	}
	return Event{Type: eventType, Payload: raw}
}

// Well-known topics emitted by the runtime itself.
const (
	TopicJobUpdated       = "job_updated"
	TopicServiceReady     = "service_ready"
	TopicServiceStopped   = "service_stopped"
	TopicScheduleDispatch = "schedule_dispatched"
)
