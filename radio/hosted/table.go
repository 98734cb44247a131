//go:build linux || darwin || windows

package hosted

import (
	"bytes"

	"tinygo.org/x/bluetooth"

	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/gatt"
)

// serviceSpan is the handle range reserved per discovered service. The
// host stack hides real handles, so each connection gets a synthetic
// layout: service, then per characteristic declaration, value, CCC.
const serviceSpan = 0x100

type serviceEntry struct {
	handle, end uint16
	uuid        []byte
	host        bluetooth.DeviceService
	resolved    bool // characteristics discovered
	chars       []*charEntry
}

type charEntry struct {
	decl, value, ccc uint16
	uuid             []byte
	host             bluetooth.DeviceCharacteristic
}

// attrTable is the synthetic attribute layout of one connection
type attrTable struct {
	next     uint16
	services []*serviceEntry
}

func newAttrTable() *attrTable {
	return &attrTable{next: gatt.FirstHandle}
}

// addService records a discovered service, returning the existing entry
// when the UUID was seen before
func (t *attrTable) addService(u []byte, host bluetooth.DeviceService) *serviceEntry {
	for _, s := range t.services {
		if bytes.Equal(s.uuid, u) {
			return s
		}
	}
	if len(t.services) >= gatt.LastHandle/serviceSpan {
		return nil
	}
	s := &serviceEntry{handle: t.next, end: t.next + serviceSpan - 1, uuid: u, host: host}
	t.next += serviceSpan
	t.services = append(t.services, s)
	return s
}

// addChars lays out characteristics after the service declaration. At most
// (serviceSpan-1)/3 fit.
func (s *serviceEntry) addChars(uuids [][]byte, hosts []bluetooth.DeviceCharacteristic) {
	s.resolved = true
	for i, u := range uuids {
		decl := s.handle + 1 + uint16(3*i)
		if decl+2 > s.end {
			return
		}
		c := &charEntry{decl: decl, value: decl + 1, ccc: decl + 2, uuid: u}
		if i < len(hosts) {
			c.host = hosts[i]
		}
		s.chars = append(s.chars, c)
	}
}

func (t *attrTable) overlapping(start, end uint16) []*serviceEntry {
	var out []*serviceEntry
	for _, s := range t.services {
		if s.end >= start && s.handle <= end {
			out = append(out, s)
		}
	}
	return out
}

func (t *attrTable) charByValue(value uint16) *charEntry {
	for _, s := range t.services {
		for _, c := range s.chars {
			if c.value == value {
				return c
			}
		}
	}
	return nil
}

func matches(want, got []byte) bool {
	return want == nil || bytes.Equal(want, got)
}

func (t *attrTable) find(req *radio.DiscoverParams) []radio.Attribute {
	var results []radio.Attribute
	for _, s := range t.overlapping(req.StartHandle, req.EndHandle) {
		switch req.Type {
		case radio.DiscoverPrimary:
			if s.handle >= req.StartHandle && matches(req.UUID, s.uuid) {
				results = append(results, radio.Attribute{Handle: s.handle, UUID: s.uuid, EndHandle: s.end})
			}
		case radio.DiscoverCharacteristic:
			for _, c := range s.chars {
				if c.decl >= req.StartHandle && c.decl <= req.EndHandle && matches(req.UUID, c.uuid) {
					results = append(results, radio.Attribute{Handle: c.decl, UUID: c.uuid, ValueHandle: c.value})
				}
			}
		case radio.DiscoverDescriptor:
			for _, c := range s.chars {
				if c.ccc >= req.StartHandle && c.ccc <= req.EndHandle && matches(req.UUID, gatt.UUIDClientCharacteristicConfig) {
					results = append(results, radio.Attribute{Handle: c.ccc, UUID: gatt.UUIDClientCharacteristicConfig})
				}
			}
		}
	}
	return results
}
