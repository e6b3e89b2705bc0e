// Package broadcast is the realtime fan-out fabric: publishers push named
// events onto string channels, subscribers receive the JSON envelope.
// Production uses the Redis transport bridged into the WebSocket hub; tests
// and single-process runs can publish straight to the hub.
package broadcast

import (
	"context"
	"encoding/json"
)

// Channel naming convention shared with client apps.
func RouteChannel(routeID string) string     { return "route_" + routeID }
func BusChannel(busID string) string         { return "waiting_flags_" + busID }
func StudentChannel(studentID string) string { return "student_" + studentID }

const (
	EventLocationUpdate   = "location_update"
	EventFlagCreated      = "waiting_flag_created"
	EventFlagUpdated      = "waiting_flag_updated"
	EventFlagRemoved      = "waiting_flag_removed"
	EventFlagAcknowledged = "flag_acknowledged"
	EventFlagExpired      = "flag_expired"
	EventMatchResult      = "missed_bus_update"
)

// Publisher is the narrow contract services depend on. Delivery is
// at-most-once; callers treat publish failures as best-effort.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// Envelope is the wire shape delivered to subscribers.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// Fanout publishes to every transport, returning the first error but still
// attempting all of them.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, channel, event string, payload any) error {
	var first error
	for _, p := range f {
		if err := p.Publish(ctx, channel, event, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
