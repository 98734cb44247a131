package advertising

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PDU types for BLE advertising packets (Link Layer)
const (
	PDUTypeAdvInd        = 0x00 // Connectable undirected advertising
	PDUTypeAdvDirectInd  = 0x01 // Connectable directed advertising
	PDUTypeAdvNonconnInd = 0x02 // Non-connectable undirected advertising
	PDUTypeScanReq       = 0x03
	PDUTypeScanRsp       = 0x04
	PDUTypeConnectReq    = 0x05
	PDUTypeAdvScanInd    = 0x06 // Scannable undirected advertising
)

// AD types (EIR/AD format)
const (
	ADTypeFlags                        = 0x01
	ADTypeIncomplete16BitServiceUUIDs  = 0x02
	ADTypeComplete16BitServiceUUIDs    = 0x03
	ADTypeIncomplete128BitServiceUUIDs = 0x06 // "UUID128 some"
	ADTypeComplete128BitServiceUUIDs   = 0x07 // "UUID128 all"
	ADTypeShortenedLocalName           = 0x08
	ADTypeCompleteLocalName            = 0x09
	ADTypeTxPowerLevel                 = 0x0A
	ADTypeManufacturerSpecificData     = 0xFF
)

// Advertising flags (ADTypeFlags payload)
const (
	FlagLELimitedDiscoverableMode = 0x01
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

const (
	MaxAdvertisingDataLen = 31 // BLE 4.x advertising data limit
	BLEAddressLen         = 6
	UUID128Len            = 16
)

var (
	// ErrMalformedUUIDList is returned for a 128-bit UUID element whose length
	// is not a multiple of 16.
	ErrMalformedUUIDList = errors.New("advertising: 128-bit UUID element length not a multiple of 16")

	// ErrTruncated is returned when an AD structure claims more bytes than remain.
	ErrTruncated = errors.New("advertising: AD structure truncated")
)

// AdvertisingPDU is an advertising packet at the Link Layer.
// Format: [PDU Type: 1] [Length: 1] [AdvA: 6] [AdvData: 0-31]
type AdvertisingPDU struct {
	PDUType byte
	AdvA    [6]byte
	AdvData []byte
}

// ADStructure is one length-prefixed, typed element of advertising data.
// Wire format: [Length: 1] [Type: 1] [Data: Length-1]
type ADStructure struct {
	Type byte
	Data []byte
}

// Encode serializes the advertising PDU
func (pdu *AdvertisingPDU) Encode() ([]byte, error) {
	if len(pdu.AdvData) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("advertising: data exceeds %d bytes: %d", MaxAdvertisingDataLen, len(pdu.AdvData))
	}

	buf := make([]byte, 2+BLEAddressLen+len(pdu.AdvData))
	buf[0] = pdu.PDUType
	buf[1] = byte(BLEAddressLen + len(pdu.AdvData))
	copy(buf[2:8], pdu.AdvA[:])
	copy(buf[8:], pdu.AdvData)

	return buf, nil
}

// DecodeAdvertisingPDU parses a binary advertising PDU
func DecodeAdvertisingPDU(data []byte) (*AdvertisingPDU, error) {
	if len(data) < 2+BLEAddressLen {
		return nil, errors.New("advertising: PDU too short (minimum 8 bytes)")
	}

	payloadLen := int(data[1])
	if payloadLen < BLEAddressLen {
		return nil, errors.New("advertising: payload length shorter than address")
	}
	if len(data) < 2+payloadLen {
		return nil, fmt.Errorf("advertising: PDU truncated: expected %d bytes, got %d", 2+payloadLen, len(data))
	}
	advDataLen := payloadLen - BLEAddressLen
	if advDataLen > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("advertising: data exceeds %d bytes: %d", MaxAdvertisingDataLen, advDataLen)
	}

	pdu := &AdvertisingPDU{PDUType: data[0]}
	copy(pdu.AdvA[:], data[2:8])
	if advDataLen > 0 {
		pdu.AdvData = append([]byte{}, data[8:8+advDataLen]...)
	}
	return pdu, nil
}

// EncodeADStructures encodes AD structures into one advertising payload
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var buf []byte

	for _, s := range structures {
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, fmt.Errorf("advertising: AD structure too long: %d bytes", length)
		}
		buf = append(buf, byte(length), s.Type)
		buf = append(buf, s.Data...)
	}

	if len(buf) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("advertising: total data exceeds %d bytes: %d", MaxAdvertisingDataLen, len(buf))
	}
	return buf, nil
}

// Parse walks the AD structures in data, calling fn for each until fn returns
// false. A zero length byte ends the data (padding). The structure passed to
// fn aliases data and is only valid for the duration of the call.
func Parse(data []byte, fn func(ADStructure) bool) error {
	offset := 0
	for offset < len(data) {
		length := int(data[offset])
		if length == 0 {
			return nil
		}
		offset++
		if offset+length > len(data) {
			return fmt.Errorf("%w: length=%d, remaining=%d", ErrTruncated, length, len(data)-offset)
		}

		s := ADStructure{
			Type: data[offset],
			Data: data[offset+1 : offset+length],
		}
		offset += length

		if !fn(s) {
			return nil
		}
	}
	return nil
}

// DecodeADStructures parses advertising data into owned AD structures
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	err := Parse(data, func(s ADStructure) bool {
		structures = append(structures, ADStructure{
			Type: s.Type,
			Data: append([]byte{}, s.Data...),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return structures, nil
}

// IsUUID128List reports whether the structure is a "some" or "all" 128-bit
// service UUID list.
func (s ADStructure) IsUUID128List() bool {
	return s.Type == ADTypeIncomplete128BitServiceUUIDs || s.Type == ADTypeComplete128BitServiceUUIDs
}

// UUID128s splits a 128-bit service UUID list into 16-byte UUIDs, in the
// byte order they were transmitted.
func (s ADStructure) UUID128s() ([][]byte, error) {
	if len(s.Data)%UUID128Len != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMalformedUUIDList, len(s.Data))
	}
	uuids := make([][]byte, 0, len(s.Data)/UUID128Len)
	for i := 0; i < len(s.Data); i += UUID128Len {
		uuids = append(uuids, s.Data[i:i+UUID128Len])
	}
	return uuids, nil
}

// NewFlagsAD creates a flags AD structure
func NewFlagsAD(flags byte) ADStructure {
	return ADStructure{Type: ADTypeFlags, Data: []byte{flags}}
}

// NewCompleteLocalNameAD creates a complete local name AD structure
func NewCompleteLocalNameAD(name string) ADStructure {
	return ADStructure{Type: ADTypeCompleteLocalName, Data: []byte(name)}
}

// NewComplete128BitServiceUUIDsAD creates a "UUID128 all" AD structure
func NewComplete128BitServiceUUIDsAD(uuids ...[]byte) ADStructure {
	data := make([]byte, 0, len(uuids)*UUID128Len)
	for _, u := range uuids {
		data = append(data, u...)
	}
	return ADStructure{Type: ADTypeComplete128BitServiceUUIDs, Data: data}
}

// NewManufacturerDataAD creates a manufacturer-specific data AD structure
// from raw bytes; the first two bytes are the little-endian company ID.
func NewManufacturerDataAD(data []byte) ADStructure {
	return ADStructure{Type: ADTypeManufacturerSpecificData, Data: append([]byte{}, data...)}
}

// GetManufacturerData extracts manufacturer-specific data from AD structures
func GetManufacturerData(structures []ADStructure) (companyID uint16, data []byte, found bool) {
	for _, s := range structures {
		if s.Type == ADTypeManufacturerSpecificData && len(s.Data) >= 2 {
			return binary.LittleEndian.Uint16(s.Data[0:2]), s.Data[2:], true
		}
	}
	return 0, nil, false
}

// GetFlags extracts the flags from AD structures
func GetFlags(structures []ADStructure) (byte, bool) {
	for _, s := range structures {
		if s.Type == ADTypeFlags && len(s.Data) > 0 {
			return s.Data[0], true
		}
	}
	return 0, false
}

// IsConnectable reports whether an advertising PDU type accepts connections.
func IsConnectable(pduType byte) bool {
	return pduType == PDUTypeAdvInd || pduType == PDUTypeAdvDirectInd
}

// PDUTypeName returns a human-readable name for a PDU type
func PDUTypeName(pduType byte) string {
	switch pduType {
	case PDUTypeAdvInd:
		return "ADV_IND"
	case PDUTypeAdvDirectInd:
		return "ADV_DIRECT_IND"
	case PDUTypeAdvNonconnInd:
		return "ADV_NONCONN_IND"
	case PDUTypeScanReq:
		return "SCAN_REQ"
	case PDUTypeScanRsp:
		return "SCAN_RSP"
	case PDUTypeConnectReq:
		return "CONNECT_REQ"
	case PDUTypeAdvScanInd:
		return "ADV_SCAN_IND"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", pduType)
	}
}

// ADTypeName returns a human-readable name for an AD type
func ADTypeName(adType byte) string {
	switch adType {
	case ADTypeFlags:
		return "Flags"
	case ADTypeIncomplete16BitServiceUUIDs:
		return "Incomplete 16-bit Service UUIDs"
	case ADTypeComplete16BitServiceUUIDs:
		return "Complete 16-bit Service UUIDs"
	case ADTypeIncomplete128BitServiceUUIDs:
		return "Incomplete 128-bit Service UUIDs"
	case ADTypeComplete128BitServiceUUIDs:
		return "Complete 128-bit Service UUIDs"
	case ADTypeShortenedLocalName:
		return "Shortened Local Name"
	case ADTypeCompleteLocalName:
		return "Complete Local Name"
	case ADTypeTxPowerLevel:
		return "Tx Power Level"
	case ADTypeManufacturerSpecificData:
		return "Manufacturer Specific Data"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", adType)
	}
}
