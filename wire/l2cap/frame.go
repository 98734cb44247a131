// Package l2cap frames ATT traffic in L2CAP basic frames.
package l2cap

import (
	"encoding/binary"
	"fmt"
)

// Fixed channel IDs used on LE links
const (
	ChannelATT      uint16 = 0x0004
	ChannelLESignal uint16 = 0x0005
	ChannelSMP      uint16 = 0x0006
)

// HeaderLen is length (2 bytes) plus channel ID (2 bytes)
const HeaderLen = 4

// Frame is an L2CAP basic frame
type Frame struct {
	ChannelID uint16
	Payload   []byte
}

// Encode serializes the frame
func (f *Frame) Encode() []byte {
	buf := make([]byte, HeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], f.ChannelID)
	copy(buf[HeaderLen:], f.Payload)
	return buf
}

// Decode parses one frame. Bytes past the declared length are rejected.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("l2cap: frame too short (%d bytes)", len(data))
	}
	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) != HeaderLen+length {
		return nil, fmt.Errorf("l2cap: length %d does not match payload of %d bytes", length, len(data)-HeaderLen)
	}
	return &Frame{
		ChannelID: binary.LittleEndian.Uint16(data[2:4]),
		Payload:   append([]byte{}, data[HeaderLen:]...),
	}, nil
}

// ATT wraps an ATT PDU for the ATT channel
func ATT(pdu []byte) []byte {
	f := Frame{ChannelID: ChannelATT, Payload: pdu}
	return f.Encode()
}

// UnwrapATT returns the ATT PDU carried by an encoded frame
func UnwrapATT(data []byte) ([]byte, error) {
	f, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if f.ChannelID != ChannelATT {
		return nil, fmt.Errorf("l2cap: expected ATT channel, got 0x%04X", f.ChannelID)
	}
	return f.Payload, nil
}
