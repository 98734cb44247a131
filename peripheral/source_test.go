package peripheral

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/gatt"
)

type recordingNotifier struct {
	handles  []uint16
	payloads [][]byte
}

func (r *recordingNotifier) Notify(_ *radio.Conn, handle uint16, payload []byte) error {
	r.handles = append(r.handles, handle)
	r.payloads = append(r.payloads, append([]byte(nil), payload...))
	return nil
}

func testConn() *radio.Conn {
	return radio.NewConn(1, radio.Address{}, radio.Address{MAC: [6]byte{1}}, radio.RolePeripheral)
}

func TestNotifyGuards(t *testing.T) {
	n := &recordingNotifier{}
	s := NewSource(n)
	s.SetValueHandle(3)
	conn := testConn()

	if err := s.Notify(conn, make([]byte, PayloadSize)); err != nil || len(n.payloads) != 0 {
		t.Errorf("Expected silent no-op while disabled, got err=%v sent=%d", err, len(n.payloads))
	}

	s.CCCChanged(5, gatt.CCCNotify)
	if err := s.Notify(nil, make([]byte, PayloadSize)); err != nil || len(n.payloads) != 0 {
		t.Errorf("Expected silent no-op for nil conn, got err=%v sent=%d", err, len(n.payloads))
	}
	if err := s.Notify(conn, make([]byte, PayloadSize+1)); err != nil || len(n.payloads) != 0 {
		t.Errorf("Expected silent no-op for oversize payload, got err=%v sent=%d", err, len(n.payloads))
	}

	if err := s.Notify(conn, []byte{7}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(n.payloads) != 1 || len(n.payloads[0]) != PayloadSize || n.payloads[0][0] != 7 || n.handles[0] != 3 {
		t.Errorf("Expected one zero-padded 12 byte payload on handle 3, got %v on %v", n.payloads, n.handles)
	}
}

func TestCCCValuesOtherThanNotifyDisable(t *testing.T) {
	s := NewSource(&recordingNotifier{})
	for _, v := range []uint16{gatt.CCCIndicate, gatt.CCCDisabled, gatt.CCCNotify | gatt.CCCIndicate} {
		s.CCCChanged(5, gatt.CCCNotify)
		s.CCCChanged(5, v)
		if s.Enabled() {
			t.Errorf("Expected ccc 0x%04X to disable notifications", v)
		}
	}
}

func TestNotifyEnableGating(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	n := &recordingNotifier{}
	s := NewSource(n)
	s.SetValueHandle(3)
	conn := testConn()

	wantSent := 0
	for i := 0; i < 500; i++ {
		if rng.Intn(3) == 0 {
			if rng.Intn(2) == 0 {
				s.CCCChanged(5, gatt.CCCNotify)
			} else {
				s.CCCChanged(5, gatt.CCCDisabled)
			}
			continue
		}

		enabled := s.Enabled()
		before := len(n.payloads)
		sent, err := s.Tick(conn)
		if err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
		if sent != enabled {
			t.Fatalf("step %d: sent=%v with flag %v", i, sent, enabled)
		}
		if enabled {
			wantSent++
			if len(n.payloads) != before+1 || len(n.payloads[before]) != PayloadSize {
				t.Fatalf("step %d: expected exactly one 12 byte payload", i)
			}
		} else if len(n.payloads) != before {
			t.Fatalf("step %d: expected no payload while disabled", i)
		}
	}

	if len(n.payloads) != wantSent {
		t.Errorf("Expected %d payloads, got %d", wantSent, len(n.payloads))
	}
	for i, p := range n.payloads {
		c := uint32(i + 1)
		for j := 0; j < PayloadValues; j++ {
			if got := binary.LittleEndian.Uint32(p[j*4:]); got != c+uint32(j) {
				t.Fatalf("payload %d value %d: expected %d, got %d", i, j, c+uint32(j), got)
			}
		}
	}
}

func TestTickWithoutConnection(t *testing.T) {
	n := &recordingNotifier{}
	s := NewSource(n)
	s.CCCChanged(5, gatt.CCCNotify)

	if sent, _ := s.Tick(nil); sent || s.Counter() != 0 {
		t.Errorf("Expected no tick without a connection, sent=%v counter=%d", sent, s.Counter())
	}
}
