package document

import (
	"github.com/FocuswithJustin/marginalia/core/flags"
)

// EventType names a document change.
type EventType string

// Event types.
const (
	EventFlagsAdded     EventType = "flags.added"
	EventFlagsRemoved   EventType = "flags.removed"
	EventFlagsSet       EventType = "flags.set"
	EventPayloadUpdated EventType = "payload.updated"
	EventPayloadRemoved EventType = "payload.removed"
	EventBlockReleased  EventType = "block.released"
)

// Event describes a completed mutation.
type Event struct {
	Type     EventType        `json:"type"`
	Document string           `json:"document"`
	Blocks   []int            `json:"blocks,omitempty"`
	Kinds    []string         `json:"kinds,omitempty"`
	Payload  *flags.PayloadID `json:"payload,omitempty"`
}

// Subscribe registers fn to receive events after every successful
// mutation. The returned function removes the subscription.
func (d *Document) Subscribe(fn func(Event)) (cancel func()) {
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() { delete(d.observers, id) }
}

func (d *Document) emit(ev Event) {
	ev.Document = d.id
	for _, fn := range d.observers {
		fn(ev)
	}
}

func (d *Document) kindNames(m flags.Mask) []string {
	ks := m.Kinds()
	out := make([]string, len(ks))
	for i, k := range ks {
		if desc, ok := d.registry.Lookup(k); ok {
			out[i] = desc.Class
		} else {
			out[i] = k.String()
		}
	}
	return out
}

func payloadRef(id flags.PayloadID) *flags.PayloadID {
	return &id
}
