package gatt

import (
	"bytes"
	"fmt"
)

// Service is a primary service definition
type Service struct {
	UUID            []byte
	Characteristics []Characteristic
}

// Characteristic is a characteristic definition. A CCC descriptor is added
// automatically when Properties includes notify or indicate.
type Characteristic struct {
	UUID            []byte
	Properties      uint8
	Value           []byte
	UserDescription string // optional CUD descriptor
}

// CharacteristicHandles records where a characteristic landed in the table
type CharacteristicHandles struct {
	Declaration uint16
	Value       uint16
	UserDesc    uint16 // 0 when absent
	CCC         uint16 // 0 when absent
}

// ServiceHandles records the handle range of a built service
type ServiceHandles struct {
	Start           uint16 // service declaration
	End             uint16
	Characteristics []CharacteristicHandles // same order as the definition
}

// AddService lays out a service in the order
// declaration, then per characteristic: declaration, value, CUD, CCC.
func (db *AttributeDatabase) AddService(svc Service) (*ServiceHandles, error) {
	if len(svc.UUID) != 2 && len(svc.UUID) != 16 {
		return nil, fmt.Errorf("gatt: invalid service UUID length %d", len(svc.UUID))
	}

	info := &ServiceHandles{}
	info.Start = db.AddAttribute(UUIDPrimaryService, svc.UUID, PermReadable)

	for _, char := range svc.Characteristics {
		if len(char.UUID) != 2 && len(char.UUID) != 16 {
			return nil, fmt.Errorf("gatt: invalid characteristic UUID length %d", len(char.UUID))
		}
		info.Characteristics = append(info.Characteristics, db.addCharacteristic(char))
	}

	info.End = db.lastHandle()
	return info, nil
}

func (db *AttributeDatabase) addCharacteristic(char Characteristic) CharacteristicHandles {
	var h CharacteristicHandles

	db.mu.RLock()
	valueHandle := db.nextHandle + 1
	db.mu.RUnlock()

	h.Declaration = db.AddAttribute(UUIDCharacteristic, EncodeCharacteristicDeclaration(CharacteristicDeclaration{
		Properties:  char.Properties,
		ValueHandle: valueHandle,
		UUID:        char.UUID,
	}), PermReadable)
	h.Value = db.AddAttribute(char.UUID, char.Value, determinePermissions(char.Properties))

	if char.UserDescription != "" {
		h.UserDesc = db.AddAttribute(UUIDCharUserDescription, []byte(char.UserDescription), PermReadable)
	}
	if char.Properties&(PropNotify|PropIndicate) != 0 {
		h.CCC = db.AddAttribute(UUIDClientCharacteristicConfig, EncodeCCCValue(0), PermReadable|PermWritable)
	}
	return h
}

func (db *AttributeDatabase) lastHandle() uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.nextHandle - 1
}

func determinePermissions(properties uint8) uint8 {
	var perms uint8
	if properties&PropRead != 0 {
		perms |= PermReadable
	}
	if properties&(PropWrite|PropWriteWithoutResponse) != 0 {
		perms |= PermWritable
	}
	return perms
}

// ServiceMatch is a primary service found by UUID
type ServiceMatch struct {
	Handle    uint16
	EndHandle uint16
}

// FindPrimaryServices returns primary service declarations in [start, end]
// whose service UUID equals uuid. A nil uuid matches every service.
func (db *AttributeDatabase) FindPrimaryServices(start, end uint16, uuid []byte) []ServiceMatch {
	decls := db.FindAttributesByType(FirstHandle, LastHandle, UUIDPrimaryService)
	last := db.lastHandle()

	var matches []ServiceMatch
	for i, handle := range decls {
		if handle < start || handle > end {
			continue
		}
		attr, err := db.GetAttribute(handle)
		if err != nil || (uuid != nil && !bytes.Equal(attr.Value, uuid)) {
			continue
		}
		svcEnd := last
		if i+1 < len(decls) {
			svcEnd = decls[i+1] - 1
		}
		matches = append(matches, ServiceMatch{Handle: handle, EndHandle: svcEnd})
	}
	return matches
}

// CharacteristicMatch is a characteristic declaration found by UUID
type CharacteristicMatch struct {
	Handle      uint16 // declaration handle
	ValueHandle uint16
	Properties  uint8
}

// FindCharacteristics returns characteristic declarations in [start, end]
// whose characteristic UUID equals uuid. A nil uuid matches every
// characteristic.
func (db *AttributeDatabase) FindCharacteristics(start, end uint16, uuid []byte) []CharacteristicMatch {
	var matches []CharacteristicMatch
	db.Walk(start, end, func(attr *Attribute) bool {
		if !bytes.Equal(attr.Type, UUIDCharacteristic) {
			return true
		}
		decl, err := ParseCharacteristicDeclaration(attr.Value)
		if err != nil || (uuid != nil && !bytes.Equal(decl.UUID, uuid)) {
			return true
		}
		matches = append(matches, CharacteristicMatch{
			Handle:      attr.Handle,
			ValueHandle: decl.ValueHandle,
			Properties:  decl.Properties,
		})
		return true
	})
	return matches
}

// FindDescriptors returns attributes in [start, end] whose type equals uuid.
// A nil uuid returns every attribute in the range.
func (db *AttributeDatabase) FindDescriptors(start, end uint16, uuid []byte) []uint16 {
	if uuid != nil {
		return db.FindAttributesByType(start, end, uuid)
	}
	var handles []uint16
	db.Walk(start, end, func(attr *Attribute) bool {
		handles = append(handles, attr.Handle)
		return true
	})
	return handles
}

// CCCForValue returns the CCC descriptor handle belonging to the
// characteristic whose value is at valueHandle, or 0.
func (db *AttributeDatabase) CCCForValue(valueHandle uint16) uint16 {
	var ccc uint16
	db.Walk(valueHandle+1, LastHandle, func(attr *Attribute) bool {
		if bytes.Equal(attr.Type, UUIDCharacteristic) ||
			bytes.Equal(attr.Type, UUIDPrimaryService) ||
			bytes.Equal(attr.Type, UUIDSecondaryService) {
			return false
		}
		if bytes.Equal(attr.Type, UUIDClientCharacteristicConfig) {
			ccc = attr.Handle
			return false
		}
		return true
	})
	return ccc
}
