// Package broadcast implements the Broadcast Fabric (C10): the sole
// subscriber of internal/events, translating internal domain events into
// the wrapped WebSocket envelope {event, data, timestamp} and routing each
// to the correct audience, per spec.md §4.10. No other package may touch
// the socket transport directly — that rule is what this package exists
// to enforce.
package broadcast

import (
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/aln-orchestrator/internal/events"
	"github.com/mantonx/aln-orchestrator/internal/session"
)

// Envelope is the wrapped WebSocket message shape, per spec.md §4.9/§7.
type Envelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Transport is the subset of the GM Gateway (C9) the fabric needs in order
// to fan out envelopes. Defined here, satisfied structurally by
// internal/wsgateway.Gateway — no import in either direction is required,
// which is what keeps C9 and C10 decoupled per spec.md §2.
type Transport interface {
	BroadcastAll(data []byte)
	BroadcastGM(data []byte)
	BroadcastAdmin(data []byte)
	SendToDevice(deviceID string, data []byte)
}

// Marshaler lets the fabric depend on an injectable JSON encoder so tests
// can assert on the exact bytes sent without importing encoding/json
// twice. New has no default: the caller always supplies one (main passes
// encoding/json's Marshal).
type Marshaler func(v any) ([]byte, error)

// Fabric is the Broadcast Fabric (C10).
type Fabric struct {
	log       hclog.Logger
	transport Transport
	marshal   Marshaler
}

// New subscribes to bus and returns a Fabric that will route every
// published domain event until the process exits.
func New(log hclog.Logger, bus *events.Bus, transport Transport, marshal Marshaler) *Fabric {
	f := &Fabric{log: log, transport: transport, marshal: marshal}
	bus.Subscribe(f.handle)
	return f
}

func (f *Fabric) handle(e events.Event) {
	env := Envelope{
		Event:     string(e.Type),
		Data:      translate(e.Type, e.Data),
		Timestamp: e.Timestamp.UnixMilli(),
	}
	payload, err := f.marshal(env)
	if err != nil {
		f.log.Error("failed to marshal broadcast envelope", "event", e.Type, "error", err)
		return
	}

	switch audience(e.Type) {
	case audienceAll:
		f.transport.BroadcastAll(payload)
	case audienceGM:
		f.transport.BroadcastGM(payload)
	case audienceAdmin:
		f.transport.BroadcastAdmin(payload)
	}
}

type audienceKind int

const (
	audienceAll audienceKind = iota
	audienceGM
	audienceAdmin
)

// audience implements the fan-out table from spec.md §4.9: every domain
// event the fabric handles — session/score/group/video state, raw
// transaction and device connectivity chatter, and service-level errors —
// goes to the GM room (admin panels run on GM scanners, per the table's
// note on player:scan). Only the submitter-private replies
// (transaction:result, gm:command:ack) bypass the fabric entirely, sent
// directly by the gateway instead.
func audience(events.Type) audienceKind {
	return audienceGM
}

// translate reshapes a handful of internal event payloads into the wire
// field names spec.md's GLOSSARY and §4.9 examples use, e.g. GroupID ->
// "group", Bonus -> "bonusPoints".
func translate(t events.Type, data any) any {
	if t != events.GroupCompleted {
		return data
	}
	type groupCompletedWire struct {
		TeamID      string `json:"teamId"`
		Group       string `json:"group"`
		BonusPoints int    `json:"bonusPoints"`
	}
	if src, ok := data.(session.GroupCompletedData); ok {
		return groupCompletedWire{TeamID: src.TeamID, Group: src.GroupID, BonusPoints: src.Bonus}
	}
	return data
}
