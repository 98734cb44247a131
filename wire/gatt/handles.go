package gatt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// Well-known GATT UUIDs (16-bit, little-endian)
var (
	UUIDPrimaryService   = []byte{0x00, 0x28} // 0x2800
	UUIDSecondaryService = []byte{0x01, 0x28} // 0x2801
	UUIDCharacteristic   = []byte{0x03, 0x28} // 0x2803

	UUIDCharUserDescription        = []byte{0x01, 0x29} // 0x2901
	UUIDClientCharacteristicConfig = []byte{0x02, 0x29} // 0x2902 (CCC)
)

// Characteristic properties (bitmask)
const (
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
	PropIndicate             = 0x20
)

// Attribute permissions (server-side only, never transmitted)
const (
	PermReadable = 0x01
	PermWritable = 0x02
)

const (
	FirstHandle = 0x0001
	LastHandle  = 0xFFFF
)

// Attribute is a single entry of the attribute table
type Attribute struct {
	Handle      uint16 // 0x0000 is reserved
	Type        []byte // 2 or 16 byte UUID
	Value       []byte
	Permissions uint8
}

// AttributeDatabase is a handle-indexed attribute table. Handles are
// assigned sequentially from 0x0001.
type AttributeDatabase struct {
	mu         sync.RWMutex
	attributes map[uint16]*Attribute
	nextHandle uint16
}

// NewAttributeDatabase creates an empty attribute database
func NewAttributeDatabase() *AttributeDatabase {
	return &AttributeDatabase{
		attributes: make(map[uint16]*Attribute),
		nextHandle: FirstHandle,
	}
}

// AddAttribute appends an attribute and returns its handle
func (db *AttributeDatabase) AddAttribute(attrType []byte, value []byte, permissions uint8) uint16 {
	db.mu.Lock()
	defer db.mu.Unlock()

	handle := db.nextHandle
	db.nextHandle++

	db.attributes[handle] = &Attribute{
		Handle:      handle,
		Type:        append([]byte{}, attrType...),
		Value:       append([]byte{}, value...),
		Permissions: permissions,
	}
	return handle
}

// GetAttribute returns a copy of the attribute at handle
func (db *AttributeDatabase) GetAttribute(handle uint16) (*Attribute, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	attr, ok := db.attributes[handle]
	if !ok {
		return nil, fmt.Errorf("gatt: invalid handle 0x%04X", handle)
	}
	return attr.clone(), nil
}

// SetAttributeValue replaces an attribute's value
func (db *AttributeDatabase) SetAttributeValue(handle uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	attr, ok := db.attributes[handle]
	if !ok {
		return fmt.Errorf("gatt: invalid handle 0x%04X", handle)
	}
	attr.Value = append([]byte{}, value...)
	return nil
}

// Walk visits attributes in handle order within [start, end] until fn
// returns false. Attributes are copies.
func (db *AttributeDatabase) Walk(start, end uint16, fn func(*Attribute) bool) {
	db.mu.RLock()
	last := db.nextHandle - 1
	var attrs []*Attribute
	if start == 0 {
		start = FirstHandle
	}
	for h := uint32(start); h <= uint32(end) && h <= uint32(last); h++ {
		if attr, ok := db.attributes[uint16(h)]; ok {
			attrs = append(attrs, attr.clone())
		}
	}
	db.mu.RUnlock()

	for _, attr := range attrs {
		if !fn(attr) {
			return
		}
	}
}

// FindAttributesByType returns all handles in [start, end] with a matching type
func (db *AttributeDatabase) FindAttributesByType(start, end uint16, attrType []byte) []uint16 {
	var handles []uint16
	db.Walk(start, end, func(attr *Attribute) bool {
		if bytes.Equal(attr.Type, attrType) {
			handles = append(handles, attr.Handle)
		}
		return true
	})
	return handles
}

// Count returns the number of attributes in the database
func (db *AttributeDatabase) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.attributes)
}

func (a *Attribute) clone() *Attribute {
	return &Attribute{
		Handle:      a.Handle,
		Type:        append([]byte{}, a.Type...),
		Value:       append([]byte{}, a.Value...),
		Permissions: a.Permissions,
	}
}

// CharacteristicDeclaration is the decoded value of a 0x2803 attribute.
// Format: [Properties: 1][Value Handle: 2][UUID: 2 or 16]
type CharacteristicDeclaration struct {
	Properties  uint8
	ValueHandle uint16
	UUID        []byte
}

// EncodeCharacteristicDeclaration builds a characteristic declaration value
func EncodeCharacteristicDeclaration(d CharacteristicDeclaration) []byte {
	buf := make([]byte, 3+len(d.UUID))
	buf[0] = d.Properties
	binary.LittleEndian.PutUint16(buf[1:3], d.ValueHandle)
	copy(buf[3:], d.UUID)
	return buf
}

// ParseCharacteristicDeclaration decodes a characteristic declaration value
func ParseCharacteristicDeclaration(value []byte) (CharacteristicDeclaration, error) {
	if len(value) != 5 && len(value) != 19 {
		return CharacteristicDeclaration{}, fmt.Errorf("gatt: invalid characteristic declaration length %d", len(value))
	}
	return CharacteristicDeclaration{
		Properties:  value[0],
		ValueHandle: binary.LittleEndian.Uint16(value[1:3]),
		UUID:        append([]byte{}, value[3:]...),
	}, nil
}

// UUIDString renders a UUID for logs: 16-bit UUIDs as 0xNNNN, 128-bit UUIDs
// as hex in transmitted byte order.
func UUIDString(uuid []byte) string {
	if len(uuid) == 2 {
		return fmt.Sprintf("0x%04X", binary.LittleEndian.Uint16(uuid))
	}
	return fmt.Sprintf("%x", uuid)
}
