package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "transport.*" for channel-level events
// (message, ack, register, error, status_changed), "message.*" for
// outbound pipeline events, "timeline.*" for coordinator updates.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
