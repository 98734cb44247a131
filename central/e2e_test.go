package central_test

import (
	"reflect"
	"sync"
	"testing"

	"github.com/user/blepair/central"
	"github.com/user/blepair/link"
	"github.com/user/blepair/peripheral"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/radio/sim"
	"github.com/user/blepair/wire/advertising"
)

var (
	serviceUUID = []byte{0x00, 0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}
	charUUID    = []byte{0x00, 0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x12}

	centralAddr    = radio.Address{MAC: [6]byte{0xC0, 0x11, 0x22, 0x33, 0x44, 0x01}}
	peripheralAddr = radio.Address{MAC: [6]byte{0xC0, 0x11, 0x22, 0x33, 0x44, 0x02}}
)

type pair struct {
	air  *sim.Air
	cdev *sim.Device
	pdev *sim.Device
	c    *central.Central
	p    *peripheral.Peripheral

	mu       sync.Mutex
	received [][]uint32
}

func (p *pair) values() [][]uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]uint32(nil), p.received...)
}

func newPair(t *testing.T, setup func(*pair, *central.Options, *peripheral.Options)) *pair {
	t.Helper()
	air := sim.NewAir(nil)
	pr := &pair{
		air:  air,
		cdev: air.NewDevice(centralAddr),
		pdev: air.NewDevice(peripheralAddr),
	}

	copts := central.DefaultOptions(serviceUUID, charUUID)
	popts := peripheral.DefaultOptions(serviceUUID, charUUID)
	if setup != nil {
		setup(pr, &copts, &popts)
	}

	var err error
	pr.p, err = peripheral.New(pr.pdev, popts)
	if err != nil {
		t.Fatalf("peripheral.New failed: %v", err)
	}
	sink := central.NewSink(func(values []uint32) {
		pr.mu.Lock()
		pr.received = append(pr.received, values)
		pr.mu.Unlock()
	})
	pr.c, err = central.New(pr.cdev, copts, sink)
	if err != nil {
		t.Fatalf("central.New failed: %v", err)
	}

	if err := pr.p.Start(); err != nil {
		t.Fatalf("peripheral Start failed: %v", err)
	}
	if err := pr.c.Start(); err != nil {
		t.Fatalf("central Start failed: %v", err)
	}
	return pr
}

// connect advertises once and runs the air until the central subscribes
func (p *pair) connect(t *testing.T) {
	t.Helper()
	p.air.Advertise()
	p.air.Pump()

	if p.c.State() != link.StateActive {
		t.Fatalf("Expected central active, got %s (cursor %+v)", p.c.State(), p.c.Cursor())
	}
	if !p.p.Source().Enabled() {
		t.Fatal("Expected notifications enabled on the peripheral")
	}
}

func (p *pair) tick(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if sent, err := p.p.Tick(); !sent || err != nil {
			t.Fatalf("Tick %d: sent=%v err=%v", i, sent, err)
		}
	}
	p.air.Pump()
}

func TestEndToEndNotifications(t *testing.T) {
	p := newPair(t, nil)
	p.connect(t)

	value, ccc, ok := p.c.Subscription()
	if !ok || value != 3 || ccc != 5 {
		t.Errorf("Expected subscription value 3 ccc 5, got %d %d %v", value, ccc, ok)
	}
	if cur := p.c.Cursor(); cur.Stage != central.StageSubscribed {
		t.Errorf("Expected subscribed cursor, got %s", cur.Stage)
	}

	p.tick(t, 5)

	want := [][]uint32{{1, 2, 3}, {2, 3, 4}, {3, 4, 5}, {4, 5, 6}, {5, 6, 7}}
	if got := p.values(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestEndToEndSecurityRediscovery(t *testing.T) {
	identity := radio.Address{MAC: [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}}
	p := newPair(t, func(p *pair, _ *central.Options, po *peripheral.Options) {
		po.SecurityLevel = radio.SecurityFIPS
		p.pdev.SetIdentity(identity)
	})
	p.connect(t)

	s := p.c.Session()
	if s.Security() != radio.SecurityFIPS {
		t.Errorf("Expected central at %s, got %s", radio.SecurityFIPS, s.Security())
	}
	if s.Identity() != identity {
		t.Errorf("Expected identity %s, got %s", identity, s.Identity())
	}
	if s.Generation() != 2 {
		t.Errorf("Expected rediscovery to start a second walk, got generation %d", s.Generation())
	}
	if p.p.State() != link.StateActive {
		t.Errorf("Expected peripheral active, got %s", p.p.State())
	}

	p.tick(t, 1)
	if got := p.values(); !reflect.DeepEqual(got, [][]uint32{{1, 2, 3}}) {
		t.Errorf("Expected a single notification after rediscovery, got %v", got)
	}
}

func TestEndToEndReconnectAfterLinkLoss(t *testing.T) {
	p := newPair(t, nil)
	p.connect(t)
	p.tick(t, 2)

	if err := p.air.DropLink(p.c.Session().Conn()); err != nil {
		t.Fatalf("DropLink failed: %v", err)
	}
	p.air.Pump()

	if p.c.State() != link.StateIdle || p.p.State() != link.StateIdle {
		t.Fatalf("Expected both sides idle, got %s %s", p.c.State(), p.p.State())
	}
	if _, _, ok := p.c.Subscription(); ok {
		t.Error("Expected subscription invalidated by disconnect")
	}
	if scanning, mode := p.cdev.Scanning(); !scanning || mode != radio.ScanPassive {
		t.Errorf("Expected passive rescan, got %v %s", scanning, mode)
	}
	if !p.pdev.Advertising() {
		t.Error("Expected peripheral to advertise again")
	}
	if sent, _ := p.p.Tick(); sent {
		t.Error("Expected no notification while disconnected")
	}

	p.connect(t)
	p.tick(t, 1)

	want := [][]uint32{{1, 2, 3}, {2, 3, 4}, {3, 4, 5}}
	if got := p.values(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	if s := p.c.Session(); s.Generation() != 2 {
		t.Errorf("Expected generation to keep counting across sessions, got %d", s.Generation())
	}
}

func TestEndToEndUnsubscribeStopsDelivery(t *testing.T) {
	p := newPair(t, nil)
	p.connect(t)

	if err := p.c.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	p.air.Pump()

	if p.p.Source().Enabled() {
		t.Error("Expected peripheral to see notifications disabled")
	}
	if p.c.State() != link.StateConnected {
		t.Errorf("Expected central back to connected, got %s", p.c.State())
	}
	if sent, _ := p.p.Tick(); sent {
		t.Error("Expected tick to be gated off")
	}
	if len(p.values()) != 0 {
		t.Errorf("Expected no notifications, got %v", p.values())
	}
}

func TestEndToEndMalformedUUIDKeepsScanning(t *testing.T) {
	p := newPair(t, nil)
	rogue := radio.Address{MAC: [6]byte{0xC0, 0x11, 0x22, 0x33, 0x44, 0x99}}

	uuidElement := func(n int) []byte {
		data := make([]byte, n)
		copy(data, serviceUUID)
		return append([]byte{byte(1 + n), advertising.ADTypeComplete128BitServiceUUIDs}, data...)
	}
	for _, n := range []int{15, 17, 29} {
		if err := p.air.Broadcast(rogue, advertising.PDUTypeAdvInd, uuidElement(n)); err != nil {
			t.Fatalf("Broadcast of %d byte UUID list failed: %v", n, err)
		}
	}
	// length byte claims more than the report carries
	truncated := append([]byte{17, advertising.ADTypeComplete128BitServiceUUIDs}, serviceUUID[:10]...)
	if err := p.air.Broadcast(rogue, advertising.PDUTypeAdvInd, truncated); err != nil {
		t.Fatalf("Broadcast of truncated element failed: %v", err)
	}
	// a 31 byte UUID list cannot fit a legacy advertisement
	if err := p.air.Broadcast(rogue, advertising.PDUTypeAdvInd, uuidElement(31)); err == nil {
		t.Error("Expected oversized advertising data to be rejected")
	}
	p.air.Pump()

	if scanning, _ := p.cdev.Scanning(); !scanning {
		t.Error("Expected central to keep scanning after malformed reports")
	}
	if p.c.State() != link.StateIdle || p.c.Session() != nil {
		t.Errorf("Expected no link, got state %s", p.c.State())
	}
	if p.p.State() != link.StateIdle {
		t.Errorf("Expected peripheral untouched, got %s", p.p.State())
	}
}
