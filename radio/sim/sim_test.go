package sim

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/advertising"
	"github.com/user/blepair/wire/att"
	"github.com/user/blepair/wire/debug"
	"github.com/user/blepair/wire/gatt"
)

var (
	centralAddr    = radio.Address{MAC: [6]byte{0xC0, 0, 0, 0, 0, 1}}
	peripheralAddr = radio.Address{MAC: [6]byte{0xC0, 0, 0, 0, 0, 2}, Random: true}

	testService = []byte{0x00, 0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	testChar    = []byte{0x00, 0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x12}
)

type pair struct {
	air        *Air
	central    *Device
	peripheral *Device
	handles    *gatt.ServiceHandles
	cccWrites  []uint16
	events     []string
	cconn      *radio.Conn
	pconn      *radio.Conn
}

func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{air: NewAir(nil)}
	p.central = p.air.NewDevice(centralAddr)
	p.peripheral = p.air.NewDevice(peripheralAddr)

	handles, err := p.peripheral.AddService(gatt.Service{
		UUID: testService,
		Characteristics: []gatt.Characteristic{{
			UUID:            testChar,
			Properties:      gatt.PropNotify,
			Value:           make([]byte, 12),
			UserDescription: "User",
		}},
	}, func(_ uint16, value uint16) { p.cccWrites = append(p.cccWrites, value) })
	if err != nil {
		t.Fatalf("AddService failed: %v", err)
	}
	p.handles = handles

	p.central.RegisterConnCallbacks(radio.ConnCallbacks{
		Connected: func(conn *radio.Conn, err uint8) {
			p.events = append(p.events, "central connected "+radio.ReasonName(err))
			if err == 0 {
				p.cconn = conn
			}
		},
		Disconnected: func(_ *radio.Conn, reason uint8) {
			p.events = append(p.events, "central disconnected "+radio.ReasonName(reason))
		},
		SecurityChanged: func(_ *radio.Conn, level radio.SecurityLevel, _ uint8) {
			p.events = append(p.events, "central security "+level.String())
		},
		IdentityResolved: func(_ *radio.Conn, rpa, identity radio.Address) {
			p.events = append(p.events, "central identity "+rpa.String()+" -> "+identity.String())
		},
	})
	p.peripheral.RegisterConnCallbacks(radio.ConnCallbacks{
		Connected: func(conn *radio.Conn, err uint8) {
			p.events = append(p.events, "peripheral connected "+radio.ReasonName(err))
			p.pconn = conn
		},
		Disconnected: func(_ *radio.Conn, reason uint8) {
			p.events = append(p.events, "peripheral disconnected "+radio.ReasonName(reason))
		},
		SecurityChanged: func(_ *radio.Conn, level radio.SecurityLevel, _ uint8) {
			p.events = append(p.events, "peripheral security "+level.String())
		},
	})
	return p
}

func (p *pair) connect(t *testing.T) *radio.Conn {
	t.Helper()
	if err := p.peripheral.StartAdvertising(radio.DefaultAdvParams(), []advertising.ADStructure{
		advertising.NewFlagsAD(advertising.FlagLEGeneralDiscoverableMode | advertising.FlagBREDRNotSupported),
	}); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}
	conn, err := p.central.Connect(peripheralAddr, radio.DefaultConnParams())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	p.air.Pump()
	if p.cconn == nil || p.pconn == nil {
		t.Fatalf("Expected both sides connected, events %v", p.events)
	}
	return conn
}

func TestAdvertiseDeliversReports(t *testing.T) {
	p := newPair(t)
	ad := []advertising.ADStructure{
		advertising.NewFlagsAD(advertising.FlagLEGeneralDiscoverableMode),
		advertising.NewComplete128BitServiceUUIDsAD(testService),
	}
	if err := p.peripheral.StartAdvertising(radio.DefaultAdvParams(), ad); err != nil {
		t.Fatalf("StartAdvertising failed: %v", err)
	}

	var reports int
	var gotAddr radio.Address
	var gotType uint8
	var gotData []byte
	if err := p.central.StartScan(radio.ScanActive, func(addr radio.Address, _ int8, advType uint8, data []byte) {
		reports++
		gotAddr, gotType = addr, advType
		gotData = append([]byte(nil), data...)
	}); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}

	p.air.Advertise()
	p.air.Pump()

	if reports != 1 {
		t.Fatalf("Expected 1 report, got %d", reports)
	}
	if gotAddr != peripheralAddr || gotType != advertising.PDUTypeAdvInd {
		t.Errorf("Unexpected report from %s type %d", gotAddr, gotType)
	}
	structures, err := advertising.DecodeADStructures(gotData)
	if err != nil || len(structures) != 2 {
		t.Fatalf("Expected 2 AD structures, got %v (%v)", structures, err)
	}

	// reports queued before StopScan are dropped
	p.air.Advertise()
	if err := p.central.StopScan(); err != nil {
		t.Fatalf("StopScan failed: %v", err)
	}
	p.air.Pump()
	if reports != 1 {
		t.Errorf("Expected no reports after StopScan, got %d", reports)
	}
	if err := p.central.StopScan(); !errors.Is(err, radio.ErrAlready) {
		t.Errorf("Expected ErrAlready stopping twice, got %v", err)
	}
}

func TestConnectToUnknownAddressFails(t *testing.T) {
	p := newPair(t)
	conn, err := p.central.Connect(radio.Address{MAC: [6]byte{9, 9, 9, 9, 9, 9}}, radio.DefaultConnParams())
	if err != nil {
		t.Fatalf("Connect returned %v, expected async failure", err)
	}
	p.air.Pump()

	if len(p.events) != 1 || p.events[0] != "central connected Connection Failed To Be Established" {
		t.Errorf("Unexpected events %v", p.events)
	}
	if conn.Connected() || conn.Refs() != 1 {
		t.Errorf("Expected dead conn with only the caller's ref, got connected=%v refs=%d", conn.Connected(), conn.Refs())
	}
}

func TestConnectWhileScanningIsBusy(t *testing.T) {
	p := newPair(t)
	_ = p.central.StartScan(radio.ScanPassive, func(radio.Address, int8, uint8, []byte) {})
	if _, err := p.central.Connect(peripheralAddr, radio.DefaultConnParams()); !errors.Is(err, radio.ErrBusy) {
		t.Errorf("Expected ErrBusy, got %v", err)
	}
}

func TestDiscoverySequence(t *testing.T) {
	p := newPair(t)
	conn := p.connect(t)

	var found []radio.Attribute
	var terminal int
	params := &radio.DiscoverParams{
		UUID:        gatt.UUIDClientCharacteristicConfig,
		StartHandle: 4,
		EndHandle:   gatt.LastHandle,
		Type:        radio.DiscoverDescriptor,
		Func: func(_ *radio.Conn, attr *radio.Attribute, _ *radio.DiscoverParams) radio.IterAction {
			if attr == nil {
				terminal++
				return radio.IterStop
			}
			found = append(found, *attr)
			return radio.IterContinue
		},
	}
	if err := p.central.Discover(conn, params); err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	p.air.Pump()

	if len(found) != 1 || found[0].Handle != 5 || terminal != 1 {
		t.Errorf("Expected CCC at 5 then nil callback, got %+v terminal=%d", found, terminal)
	}

	if err := p.central.Discover(conn, &radio.DiscoverParams{StartHandle: 3, EndHandle: 2, Func: params.Func}); !errors.Is(err, radio.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for empty range, got %v", err)
	}
}

func TestSubscribeNotifyAndDisconnect(t *testing.T) {
	p := newPair(t)
	conn := p.connect(t)
	char := p.handles.Characteristics[0]

	var payloads [][]byte
	sub := &radio.SubscribeParams{
		ValueHandle: char.Value,
		CCCHandle:   char.CCC,
		Value:       gatt.CCCNotify,
		Notify: func(_ *radio.Conn, _ *radio.SubscribeParams, data []byte) radio.IterAction {
			payloads = append(payloads, data)
			return radio.IterContinue
		},
	}

	if err := p.peripheral.Notify(p.pconn, char.Value, []byte{1}); !errors.Is(err, radio.ErrNotSubscribed) {
		t.Errorf("Expected ErrNotSubscribed before CCC write, got %v", err)
	}
	if err := p.central.Subscribe(conn, sub); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := p.central.Subscribe(conn, sub); !errors.Is(err, radio.ErrAlready) {
		t.Errorf("Expected ErrAlready on duplicate subscribe, got %v", err)
	}
	p.air.Pump()
	if len(p.cccWrites) != 1 || p.cccWrites[0] != gatt.CCCNotify {
		t.Fatalf("Expected CCC notify write, got %v", p.cccWrites)
	}

	if err := p.peripheral.Notify(p.pconn, char.Value, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if err := p.peripheral.Notify(p.pconn, char.Value, make([]byte, 21)); !errors.Is(err, radio.ErrInvalid) {
		t.Errorf("Expected ErrInvalid above the default MTU, got %v", err)
	}
	p.air.Pump()
	if len(payloads) != 1 || len(payloads[0]) != 3 {
		t.Fatalf("Expected one 3 byte notification, got %v", payloads)
	}
	// the value attribute holds the last payload sent
	if attr, err := p.peripheral.db.GetAttribute(char.Value); err != nil || !bytes.Equal(attr.Value, []byte{1, 2, 3}) {
		t.Errorf("Expected value attribute 010203, got %v (%v)", attr, err)
	}

	if err := p.central.Disconnect(conn, radio.ReasonRemoteUserTerminated); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	p.air.Pump()

	if len(payloads) != 2 || payloads[1] != nil {
		t.Errorf("Expected trailing nil notification, got %v", payloads)
	}
	if sub.ValueHandle != 0 {
		t.Errorf("Expected value handle cleared, got %d", sub.ValueHandle)
	}
	if len(p.cccWrites) != 2 || p.cccWrites[1] != gatt.CCCDisabled {
		t.Errorf("Expected CCC reset on disconnect, got %v", p.cccWrites)
	}

	want := []string{
		"central disconnected Connection Terminated By Local Host",
		"peripheral disconnected Remote User Terminated Connection",
	}
	tail := p.events[len(p.events)-2:]
	if tail[0] != want[0] || tail[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, tail)
	}
	if conn.Refs() != 1 || p.pconn.Refs() != 0 {
		t.Errorf("Expected stack refs released, got central=%d peripheral=%d", conn.Refs(), p.pconn.Refs())
	}
}

func TestUnsubscribeDeliversNil(t *testing.T) {
	p := newPair(t)
	conn := p.connect(t)
	char := p.handles.Characteristics[0]

	var gotNil bool
	sub := &radio.SubscribeParams{
		ValueHandle: char.Value,
		CCCHandle:   char.CCC,
		Value:       gatt.CCCNotify,
		Notify: func(_ *radio.Conn, params *radio.SubscribeParams, data []byte) radio.IterAction {
			if data == nil && params.ValueHandle == 0 {
				gotNil = true
			}
			return radio.IterContinue
		},
	}
	_ = p.central.Subscribe(conn, sub)
	p.air.Pump()

	if err := p.central.Unsubscribe(conn, sub); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	p.air.Pump()
	if !gotNil {
		t.Error("Expected nil notification after unsubscribe")
	}
	if err := p.peripheral.Notify(p.pconn, char.Value, []byte{1}); !errors.Is(err, radio.ErrNotSubscribed) {
		t.Errorf("Expected ErrNotSubscribed after unsubscribe, got %v", err)
	}
	if err := p.central.Unsubscribe(conn, sub); !errors.Is(err, radio.ErrInvalid) {
		t.Errorf("Expected ErrInvalid for unknown subscription, got %v", err)
	}
}

func TestSecurityAndIdentity(t *testing.T) {
	p := newPair(t)
	identity := radio.Address{MAC: [6]byte{0xD0, 0, 0, 0, 0, 2}}
	p.peripheral.SetIdentity(identity)
	_ = p.connect(t)
	p.events = nil

	if err := p.peripheral.RequestSecurity(p.pconn, radio.SecurityFIPS); err != nil {
		t.Fatalf("RequestSecurity failed: %v", err)
	}
	p.air.Pump()

	want := []string{
		"central identity " + peripheralAddr.String() + " -> " + identity.String(),
		"central security L4",
		"peripheral security L4",
	}
	if len(p.events) != len(want) {
		t.Fatalf("Expected %v, got %v", want, p.events)
	}
	for i := range want {
		if p.events[i] != want[i] {
			t.Errorf("Event %d: expected %q, got %q", i, want[i], p.events[i])
		}
	}

	// already at level: no further callbacks
	_ = p.peripheral.RequestSecurity(p.pconn, radio.SecurityHigh)
	if n := p.air.Pump(); n != 0 {
		t.Errorf("Expected no events for a lower level, ran %d", n)
	}
}

func TestExchangeMTUWithoutConnection(t *testing.T) {
	p := newPair(t)
	if err := p.peripheral.ExchangeMTU(nil, func(*radio.Conn, uint8) {}); !errors.Is(err, radio.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}

	_ = p.connect(t)
	var done bool
	if err := p.peripheral.ExchangeMTU(p.pconn, func(_ *radio.Conn, err uint8) { done = err == 0 }); err != nil {
		t.Fatalf("ExchangeMTU failed: %v", err)
	}
	p.air.Pump()
	if !done || p.peripheral.MTU(p.pconn) != 247 {
		t.Errorf("Expected MTU 247 after exchange, got done=%v mtu=%d", done, p.peripheral.MTU(p.pconn))
	}
}

func TestFailNext(t *testing.T) {
	p := newPair(t)
	p.central.FailNext(OpStartScan, radio.ErrBusy)

	fn := func(radio.Address, int8, uint8, []byte) {}
	if err := p.central.StartScan(radio.ScanActive, fn); !errors.Is(err, radio.ErrBusy) {
		t.Errorf("Expected injected ErrBusy, got %v", err)
	}
	if err := p.central.StartScan(radio.ScanActive, fn); err != nil {
		t.Errorf("Expected fault to be one-shot, got %v", err)
	}
}

func TestDropLink(t *testing.T) {
	p := newPair(t)
	conn := p.connect(t)

	if err := p.air.DropLink(conn); err != nil {
		t.Fatalf("DropLink failed: %v", err)
	}
	p.air.Pump()

	n := len(p.events)
	if p.events[n-2] != "central disconnected Connection Timeout" || p.events[n-1] != "peripheral disconnected Connection Timeout" {
		t.Errorf("Unexpected events %v", p.events[n-2:])
	}
	if err := p.central.Disconnect(conn, radio.ReasonRemoteUserTerminated); !errors.Is(err, radio.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after link loss, got %v", err)
	}
}

func (p *pair) linkOf(t *testing.T, conn *radio.Conn) *link {
	t.Helper()
	p.air.mu.Lock()
	defer p.air.mu.Unlock()
	l, ok := p.air.links[conn.ID()]
	if !ok {
		t.Fatal("Expected an open link")
	}
	return l
}

func TestServerRejectsNonCCCWrite(t *testing.T) {
	p := newPair(t)
	l := p.linkOf(t, p.connect(t))
	char := p.handles.Characteristics[0]

	tests := []struct {
		name   string
		handle uint16
		value  []byte
		code   uint8
	}{
		{"value handle", char.Value, []byte{1, 0}, att.ErrWriteNotPermitted},
		{"unknown handle", 0x0100, []byte{1, 0}, att.ErrInvalidHandle},
		{"short CCC value", char.CCC, []byte{1}, att.ErrInvalidAttributeValueLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.air.request(l, p.peripheral, &att.Write{Handle: tt.handle, Value: tt.value})
			var attErr *att.Error
			if !errors.As(err, &attErr) || attErr.Code != tt.code {
				t.Errorf("Expected ATT error 0x%02X, got %v", tt.code, err)
			}
		})
	}
	if len(p.cccWrites) != 0 {
		t.Errorf("Rejected writes must not reach the server, got %v", p.cccWrites)
	}
}

func TestServerAcceptsCCCWrite(t *testing.T) {
	p := newPair(t)
	l := p.linkOf(t, p.connect(t))
	ccc := p.handles.Characteristics[0].CCC

	rsp, err := p.air.request(l, p.peripheral, &att.Write{Handle: ccc, Value: gatt.EncodeCCCValue(gatt.CCCNotify)})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, ok := rsp.(*att.WriteResponse); !ok {
		t.Errorf("Expected write response, got %T", rsp)
	}
	// a repeated write is acknowledged but not reported
	if _, err := p.air.request(l, p.peripheral, &att.Write{Handle: ccc, Value: gatt.EncodeCCCValue(gatt.CCCNotify)}); err != nil {
		t.Fatalf("Repeated write failed: %v", err)
	}
	if len(p.cccWrites) != 1 || p.cccWrites[0] != gatt.CCCNotify {
		t.Errorf("Expected one notify CCC change, got %v", p.cccWrites)
	}
}

func TestRequestAfterLinkDown(t *testing.T) {
	p := newPair(t)
	l := p.linkOf(t, p.connect(t))
	if err := p.air.DropLink(l.cconn); err != nil {
		t.Fatalf("DropLink failed: %v", err)
	}
	p.air.Pump()

	if _, err := p.air.request(l, p.peripheral, &att.ExchangeMTU{RxMTU: 247}); !errors.Is(err, radio.ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestTracerRecordsExchange(t *testing.T) {
	p := newPair(t)
	path := filepath.Join(t.TempDir(), "att_packets.jsonl")
	p.air.SetTracer(debug.NewTracer(path))
	p.connect(t)

	if err := p.central.ExchangeMTU(p.cconn, func(*radio.Conn, uint8) {}); err != nil {
		t.Fatalf("ExchangeMTU failed: %v", err)
	}
	p.air.Pump()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected request and response traced, got %d lines", len(lines))
	}
	if !strings.Contains(lines[0], "Exchange MTU Request") || !strings.Contains(lines[1], "Exchange MTU Response") {
		t.Errorf("Unexpected trace %v", lines)
	}
}
