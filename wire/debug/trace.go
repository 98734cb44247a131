// Package debug writes human-readable JSONL traces of the frames crossing a
// link. Traces are write-only and never read back.
package debug

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/user/blepair/wire/att"
	"github.com/user/blepair/wire/l2cap"
)

// PacketLog is one traced frame
type PacketLog struct {
	Timestamp   string                 `json:"timestamp"`
	Link        uint64                 `json:"link"`
	From        string                 `json:"from"`
	To          string                 `json:"to"`
	ChannelID   string                 `json:"channel_id"`
	ChannelName string                 `json:"channel_name"`
	Opcode      string                 `json:"opcode,omitempty"`
	OpcodeName  string                 `json:"opcode_name,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	RawHex      string                 `json:"raw_hex"`
}

// Tracer appends PacketLog lines to a file. A nil Tracer drops everything.
type Tracer struct {
	path string
	mu   sync.Mutex
}

// NewTracer traces to path. An empty path returns nil.
func NewTracer(path string) *Tracer {
	if path == "" {
		return nil
	}
	return &Tracer{path: path}
}

// Path returns the trace file
func (t *Tracer) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Frame records one encoded L2CAP frame sent on link from one device to
// another
func (t *Tracer) Frame(link uint64, from, to string, frame []byte) {
	if t == nil {
		return
	}
	t.append(Describe(link, from, to, frame))
}

// Describe decodes frame into a PacketLog. Frames that fail to decode keep
// only their raw bytes.
func Describe(link uint64, from, to string, frame []byte) PacketLog {
	entry := PacketLog{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Link:      link,
		From:      from,
		To:        to,
		RawHex:    hex.EncodeToString(frame),
	}

	f, err := l2cap.Decode(frame)
	if err != nil {
		entry.ChannelName = "Malformed"
		return entry
	}
	entry.ChannelID = fmt.Sprintf("0x%04X", f.ChannelID)
	entry.ChannelName = channelName(f.ChannelID)
	if f.ChannelID != l2cap.ChannelATT || len(f.Payload) == 0 {
		return entry
	}

	entry.Opcode = fmt.Sprintf("0x%02X", f.Payload[0])
	entry.OpcodeName = att.OpcodeName(f.Payload[0])
	if pdu, err := att.Decode(f.Payload); err == nil {
		entry.Data = describeATT(pdu)
	}
	return entry
}

func (t *Tracer) append(entry PacketLog) {
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return // best effort
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}

func channelName(channelID uint16) string {
	switch channelID {
	case l2cap.ChannelATT:
		return "ATT"
	case l2cap.ChannelLESignal:
		return "LE L2CAP Signaling"
	case l2cap.ChannelSMP:
		return "SMP"
	default:
		return "Unknown"
	}
}

func describeATT(pdu interface{}) map[string]interface{} {
	data := make(map[string]interface{})

	switch p := pdu.(type) {
	case *att.ExchangeMTU:
		data["rx_mtu"] = p.RxMTU
	case *att.Write:
		data["handle"] = fmt.Sprintf("0x%04X", p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)
	case *att.Notification:
		data["handle"] = fmt.Sprintf("0x%04X", p.Handle)
		data["value_len"] = len(p.Value)
		data["value_hex"] = hex.EncodeToString(p.Value)
	case *att.Error:
		data["request_opcode"] = fmt.Sprintf("0x%02X", p.RequestOpcode)
		data["request_opcode_name"] = att.OpcodeName(p.RequestOpcode)
		data["handle"] = fmt.Sprintf("0x%04X", p.Handle)
		data["error_code"] = fmt.Sprintf("0x%02X", p.Code)
	}
	if len(data) == 0 {
		return nil
	}
	return data
}
