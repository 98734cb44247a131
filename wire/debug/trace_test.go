package debug

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/blepair/wire/att"
	"github.com/user/blepair/wire/l2cap"
)

func TestDescribeNotification(t *testing.T) {
	raw, _ := att.Encode(&att.Notification{Handle: 3, Value: []byte{1, 0, 0, 0}})
	entry := Describe(7, "central", "peripheral", l2cap.ATT(raw))

	if entry.ChannelName != "ATT" || entry.Opcode != "0x1B" || entry.OpcodeName != "Handle Value Notification" {
		t.Errorf("Unexpected entry %+v", entry)
	}
	if entry.Data["handle"] != "0x0003" || entry.Data["value_hex"] != "01000000" {
		t.Errorf("Unexpected data %v", entry.Data)
	}
}

func TestDescribeMalformed(t *testing.T) {
	entry := Describe(1, "a", "b", []byte{0xFF})
	if entry.ChannelName != "Malformed" || entry.RawHex != "ff" {
		t.Errorf("Unexpected entry %+v", entry)
	}
}

func TestTracerAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "att_packets.jsonl")
	tracer := NewTracer(path)

	req, _ := att.Encode(&att.ExchangeMTU{RxMTU: 247})
	rsp, _ := att.Encode(&att.ExchangeMTU{Response: true, RxMTU: 185})
	tracer.Frame(1, "c", "p", l2cap.ATT(req))
	tracer.Frame(1, "p", "c", l2cap.ATT(rsp))

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	var entries []PacketLog
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e PacketLog
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(entries))
	}
	if entries[1].OpcodeName != "Exchange MTU Response" || entries[1].From != "p" {
		t.Errorf("Unexpected second entry %+v", entries[1])
	}
}

func TestNilTracerDrops(t *testing.T) {
	var tracer *Tracer
	tracer.Frame(1, "a", "b", l2cap.ATT([]byte{0x13}))
	if NewTracer("") != nil || tracer.Path() != "" {
		t.Error("Expected empty path to disable tracing")
	}
}
