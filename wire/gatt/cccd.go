package gatt

import (
	"encoding/binary"
	"sync"
)

// CCC (Client Characteristic Configuration) values written by clients
const (
	CCCDisabled = 0x0000
	CCCNotify   = 0x0001
	CCCIndicate = 0x0002
)

// EncodeCCCValue encodes a CCC value as 2 little-endian bytes
func EncodeCCCValue(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}

// DecodeCCCValue parses a 2 byte CCC value
func DecodeCCCValue(cccValue []byte) (uint16, error) {
	if len(cccValue) != 2 {
		return 0, ErrInvalidAttributeValueLength
	}
	return binary.LittleEndian.Uint16(cccValue), nil
}

// CCCTable tracks CCC values per connection and CCC handle. Values are not
// shared across connections and are dropped when a connection closes.
type CCCTable struct {
	mu     sync.RWMutex
	values map[uint64]map[uint16]uint16 // conn ID -> CCC handle -> value
}

// NewCCCTable creates an empty CCC table
func NewCCCTable() *CCCTable {
	return &CCCTable{values: make(map[uint64]map[uint16]uint16)}
}

// Set records a CCC write and reports whether the value changed
func (t *CCCTable) Set(connID uint64, cccHandle uint16, value uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	perConn, ok := t.values[connID]
	if !ok {
		perConn = make(map[uint16]uint16)
		t.values[connID] = perConn
	}
	prev := perConn[cccHandle]
	if value == CCCDisabled {
		delete(perConn, cccHandle)
	} else {
		perConn[cccHandle] = value
	}
	return prev != value
}

// Get returns the CCC value for a connection (0 when never written)
func (t *CCCTable) Get(connID uint64, cccHandle uint16) uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[connID][cccHandle]
}

// NotifyEnabled reports whether the connection enabled notifications
func (t *CCCTable) NotifyEnabled(connID uint64, cccHandle uint16) bool {
	return t.Get(connID, cccHandle)&CCCNotify != 0
}

// Clear drops a connection's CCC values and returns the handles that were
// enabled.
func (t *CCCTable) Clear(connID uint64) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var handles []uint16
	for h := range t.values[connID] {
		handles = append(handles, h)
	}
	delete(t.values, connID)
	return handles
}

// ErrInvalidAttributeValueLength is returned for a CCC value of the wrong size
var ErrInvalidAttributeValueLength = &Error{Code: 0x0D, Description: "Invalid Attribute Value Length"}

// Error is an ATT protocol error
type Error struct {
	Code        uint8
	Description string
}

func (e *Error) Error() string {
	return e.Description
}
