package central

import (
	"fmt"

	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/gatt"
)

// Stage is the discovery step a Cursor is waiting on
type Stage int

const (
	StageIdle Stage = iota
	StageServiceSearch
	StageCharacteristicSearch
	StageDescriptorSearch
	StageSubscribed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageServiceSearch:
		return "service_search"
	case StageCharacteristicSearch:
		return "characteristic_search"
	case StageDescriptorSearch:
		return "descriptor_search"
	case StageSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Searching reports whether a discovery request is outstanding
func (s Stage) Searching() bool {
	return s == StageServiceSearch || s == StageCharacteristicSearch || s == StageDescriptorSearch
}

// Cursor is the discovery state threaded through the walk. The zero value
// is the idle shape.
type Cursor struct {
	Stage       Stage
	UUID        []byte
	StartHandle uint16
	EndHandle   uint16
	ValueHandle uint16 // characteristic value, captured for the subscribe
	Generation  uint64
}

// EventKind classifies walker input
type EventKind int

const (
	// EventStart begins a walk from the service search
	EventStart EventKind = iota
	// EventFound carries one matched attribute
	EventFound
	// EventExhausted is the terminal nil-attribute result
	EventExhausted
	// EventFailed is a rejected discover or subscribe request
	EventFailed
	// EventReset drops all discovery state
	EventReset
)

// Event is one input to Step. Generation tags the walk the event belongs
// to; events from another generation are ignored.
type Event struct {
	Kind       EventKind
	Generation uint64
	Attr       *radio.Attribute
}

// CommandKind classifies walker output
type CommandKind int

const (
	CommandDiscover CommandKind = iota
	CommandSubscribe
)

// Command is a stack request the walker wants issued
type Command struct {
	Kind CommandKind

	// CommandDiscover
	UUID        []byte
	StartHandle uint16
	EndHandle   uint16
	Type        radio.DiscoverType

	// CommandSubscribe
	ValueHandle uint16
	CCCHandle   uint16
	Value       uint16
}

// Walker holds the UUIDs searched for by the discovery chain
type Walker struct {
	Service        []byte
	Characteristic []byte
}

// Step advances the cursor by one event and returns the commands to issue.
// It has no side effects.
func (w Walker) Step(c Cursor, ev Event) (Cursor, []Command) {
	switch ev.Kind {
	case EventReset:
		return Cursor{}, nil
	case EventStart:
		next := Cursor{
			Stage:       StageServiceSearch,
			UUID:        w.Service,
			StartHandle: gatt.FirstHandle,
			EndHandle:   gatt.LastHandle,
			Generation:  ev.Generation,
		}
		return next, []Command{discoverCommand(next, radio.DiscoverPrimary)}
	}

	if ev.Generation != c.Generation || c.Stage == StageIdle {
		return c, nil
	}
	if ev.Kind == EventFailed {
		return Cursor{}, nil
	}
	if !c.Stage.Searching() {
		return c, nil
	}
	if ev.Kind == EventExhausted || ev.Attr == nil {
		return Cursor{}, nil
	}

	attr := ev.Attr
	switch c.Stage {
	case StageServiceSearch:
		if attr.Handle >= gatt.LastHandle {
			return Cursor{}, nil
		}
		next := Cursor{
			Stage:       StageCharacteristicSearch,
			UUID:        w.Characteristic,
			StartHandle: attr.Handle + 1,
			EndHandle:   gatt.LastHandle,
			Generation:  c.Generation,
		}
		return next, []Command{discoverCommand(next, radio.DiscoverCharacteristic)}

	case StageCharacteristicSearch:
		// no room left for a value and a descriptor
		if attr.Handle >= gatt.LastHandle-1 {
			return Cursor{}, nil
		}
		valueHandle := attr.ValueHandle
		if valueHandle == 0 {
			valueHandle = attr.Handle + 1
		}
		next := Cursor{
			Stage:       StageDescriptorSearch,
			UUID:        gatt.UUIDClientCharacteristicConfig,
			StartHandle: attr.Handle + 2,
			EndHandle:   gatt.LastHandle,
			ValueHandle: valueHandle,
			Generation:  c.Generation,
		}
		return next, []Command{discoverCommand(next, radio.DiscoverDescriptor)}

	default: // StageDescriptorSearch
		next := Cursor{Stage: StageSubscribed, Generation: c.Generation}
		return next, []Command{{
			Kind:        CommandSubscribe,
			ValueHandle: c.ValueHandle,
			CCCHandle:   attr.Handle,
			Value:       gatt.CCCNotify,
		}}
	}
}

func discoverCommand(c Cursor, typ radio.DiscoverType) Command {
	return Command{
		Kind:        CommandDiscover,
		UUID:        c.UUID,
		StartHandle: c.StartHandle,
		EndHandle:   c.EndHandle,
		Type:        typ,
	}
}
