// Package att encodes the Attribute Protocol PDUs exchanged on a link:
// MTU exchange, CCC writes, notifications and error responses.
package att

import (
	"encoding/binary"
	"fmt"
)

// Opcodes (Bluetooth Core Vol 3, Part F, 3.4)
const (
	OpErrorResponse           = 0x01
	OpExchangeMTURequest      = 0x02
	OpExchangeMTUResponse     = 0x03
	OpWriteRequest            = 0x12
	OpWriteResponse           = 0x13
	OpHandleValueNotification = 0x1B
)

// Error codes
const (
	ErrInvalidHandle               = 0x01
	ErrWriteNotPermitted           = 0x03
	ErrInvalidPDU                  = 0x04
	ErrRequestNotSupported         = 0x06
	ErrAttributeNotFound           = 0x0A
	ErrInvalidAttributeValueLength = 0x0D
	ErrUnlikelyError               = 0x0E
)

// MTU bounds
const (
	DefaultMTU = 23
	MaxMTU     = 517

	// NotificationHeaderLen is opcode plus handle
	NotificationHeaderLen = 3
)

var opcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpHandleValueNotification: "Handle Value Notification",
}

// OpcodeName returns a readable opcode name
func OpcodeName(op uint8) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02X)", op)
}

// Error is an ATT error response
type Error struct {
	RequestOpcode uint8
	Handle        uint16
	Code          uint8
}

func (e *Error) Error() string {
	return fmt.Sprintf("att: error 0x%02X on %s for handle 0x%04X", e.Code, OpcodeName(e.RequestOpcode), e.Handle)
}

// ExchangeMTU is an Exchange MTU Request or Response. RxMTU is the
// sender's receive MTU.
type ExchangeMTU struct {
	Response bool
	RxMTU    uint16
}

// Write is a Write Request
type Write struct {
	Handle uint16
	Value  []byte
}

// WriteResponse acknowledges a Write Request
type WriteResponse struct{}

// Notification is a Handle Value Notification
type Notification struct {
	Handle uint16
	Value  []byte
}

// Encode serializes a PDU
func Encode(pdu interface{}) ([]byte, error) {
	switch p := pdu.(type) {
	case *Error:
		buf := []byte{OpErrorResponse, p.RequestOpcode, 0, 0, p.Code}
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		return buf, nil
	case *ExchangeMTU:
		op := byte(OpExchangeMTURequest)
		if p.Response {
			op = OpExchangeMTUResponse
		}
		return binary.LittleEndian.AppendUint16([]byte{op}, p.RxMTU), nil
	case *Write:
		buf := binary.LittleEndian.AppendUint16([]byte{OpWriteRequest}, p.Handle)
		return append(buf, p.Value...), nil
	case *WriteResponse:
		return []byte{OpWriteResponse}, nil
	case *Notification:
		buf := binary.LittleEndian.AppendUint16([]byte{OpHandleValueNotification}, p.Handle)
		return append(buf, p.Value...), nil
	default:
		return nil, fmt.Errorf("att: cannot encode %T", pdu)
	}
}

// Decode parses a PDU. Values are copies of data.
func Decode(data []byte) (interface{}, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("att: empty PDU")
	}
	op, body := data[0], data[1:]

	switch op {
	case OpErrorResponse:
		if len(body) != 4 {
			return nil, invalidLength(op, len(data))
		}
		return &Error{RequestOpcode: body[0], Handle: binary.LittleEndian.Uint16(body[1:3]), Code: body[3]}, nil
	case OpExchangeMTURequest, OpExchangeMTUResponse:
		if len(body) != 2 {
			return nil, invalidLength(op, len(data))
		}
		return &ExchangeMTU{Response: op == OpExchangeMTUResponse, RxMTU: binary.LittleEndian.Uint16(body)}, nil
	case OpWriteRequest:
		if len(body) < 2 {
			return nil, invalidLength(op, len(data))
		}
		return &Write{Handle: binary.LittleEndian.Uint16(body), Value: append([]byte{}, body[2:]...)}, nil
	case OpWriteResponse:
		if len(body) != 0 {
			return nil, invalidLength(op, len(data))
		}
		return &WriteResponse{}, nil
	case OpHandleValueNotification:
		if len(body) < 2 {
			return nil, invalidLength(op, len(data))
		}
		return &Notification{Handle: binary.LittleEndian.Uint16(body), Value: append([]byte{}, body[2:]...)}, nil
	default:
		return nil, &Error{RequestOpcode: op, Code: ErrRequestNotSupported}
	}
}

func invalidLength(op uint8, n int) error {
	return fmt.Errorf("att: invalid %s length %d", OpcodeName(op), n)
}

// NegotiateMTU returns the MTU both sides use after an exchange: the smaller
// of the two receive MTUs, never below the default
func NegotiateMTU(client, server uint16) uint16 {
	mtu := min(client, server)
	return max(mtu, DefaultMTU)
}
