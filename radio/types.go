package radio

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Address is a 48-bit device address. MAC is stored in display order.
type Address struct {
	MAC    [6]byte
	Random bool
}

// ParseAddress parses "AA:BB:CC:DD:EE:FF" with an optional "/random" suffix
func ParseAddress(s string) (Address, error) {
	var addr Address
	if strings.HasSuffix(s, "/random") {
		addr.Random = true
		s = strings.TrimSuffix(s, "/random")
	}
	n, err := fmt.Sscanf(s, "%02X:%02X:%02X:%02X:%02X:%02X",
		&addr.MAC[0], &addr.MAC[1], &addr.MAC[2], &addr.MAC[3], &addr.MAC[4], &addr.MAC[5])
	if err != nil || n != 6 {
		return Address{}, fmt.Errorf("radio: invalid address %q", s)
	}
	return addr, nil
}

func (a Address) String() string {
	s := fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a.MAC[0], a.MAC[1], a.MAC[2], a.MAC[3], a.MAC[4], a.MAC[5])
	if a.Random {
		return s + "/random"
	}
	return s
}

// Role is the local role on a connection
type Role uint8

const (
	RoleCentral Role = iota
	RolePeripheral
)

func (r Role) String() string {
	if r == RolePeripheral {
		return "peripheral"
	}
	return "central"
}

// SecurityLevel follows the LE security mode 1 levels
type SecurityLevel uint8

const (
	SecurityNone   SecurityLevel = iota // L0, only for BR/EDR special cases
	SecurityLow                         // L1, no encryption
	SecurityMedium                      // L2, unauthenticated pairing
	SecurityHigh                        // L3, authenticated pairing
	SecurityFIPS                        // L4, authenticated LE secure connections

	SecurityMax = SecurityFIPS
)

func (l SecurityLevel) String() string {
	return fmt.Sprintf("L%d", uint8(l))
}

// ScanMode selects passive or active scanning
type ScanMode uint8

const (
	ScanPassive ScanMode = iota
	ScanActive
)

func (m ScanMode) String() string {
	if m == ScanActive {
		return "active"
	}
	return "passive"
}

// Conn is one radio link. Stacks create a Conn holding one reference and
// release it after the disconnected callback returns. Other holders take
// their own reference with Ref and drop it with Unref.
type Conn struct {
	id    uint64
	local Address
	peer  Address
	role  Role

	security  atomic.Uint32
	connected atomic.Bool
	refs      atomic.Int32
}

// NewConn creates a live connection holding a single reference
func NewConn(id uint64, local, peer Address, role Role) *Conn {
	c := &Conn{id: id, local: local, peer: peer, role: role}
	c.security.Store(uint32(SecurityLow))
	c.connected.Store(true)
	c.refs.Store(1)
	return c
}

func (c *Conn) ID() uint64     { return c.id }
func (c *Conn) Local() Address { return c.local }
func (c *Conn) Peer() Address  { return c.peer }
func (c *Conn) Role() Role     { return c.role }

// Security returns the current security level
func (c *Conn) Security() SecurityLevel {
	return SecurityLevel(c.security.Load())
}

// SetSecurity is called by stacks when the link is re-encrypted
func (c *Conn) SetSecurity(level SecurityLevel) {
	c.security.Store(uint32(level))
}

// Connected reports liveness
func (c *Conn) Connected() bool {
	return c.connected.Load()
}

// MarkDisconnected is called by stacks before the disconnected callback
func (c *Conn) MarkDisconnected() {
	c.connected.Store(false)
}

// Ref takes a reference and returns c for chaining
func (c *Conn) Ref() *Conn {
	c.refs.Add(1)
	return c
}

// Unref drops a reference
func (c *Conn) Unref() {
	if c.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("radio: conn %d unref below zero", c.id))
	}
}

// Refs returns the outstanding reference count
func (c *Conn) Refs() int32 {
	return c.refs.Load()
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn %d %s %s", c.id, c.role, c.peer)
}

// ConnParams are the LE connection parameters passed to Connect
type ConnParams struct {
	IntervalMin        uint16 // units of 1.25ms
	IntervalMax        uint16 // units of 1.25ms
	Latency            uint16 // connection events
	SupervisionTimeout uint16 // units of 10ms
}

// DefaultConnParams returns the host stack's default parameters:
// 30-50ms interval, no latency, 420ms supervision timeout.
func DefaultConnParams() ConnParams {
	return ConnParams{
		IntervalMin:        24,
		IntervalMax:        40,
		Latency:            0,
		SupervisionTimeout: 42,
	}
}

// Validate checks the parameters against the Bluetooth LE ranges
func (p ConnParams) Validate() error {
	if p.IntervalMin < 6 || p.IntervalMin > 3200 {
		return fmt.Errorf("radio: IntervalMin out of range (6-3200): %d", p.IntervalMin)
	}
	if p.IntervalMax < 6 || p.IntervalMax > 3200 {
		return fmt.Errorf("radio: IntervalMax out of range (6-3200): %d", p.IntervalMax)
	}
	if p.IntervalMin > p.IntervalMax {
		return fmt.Errorf("radio: IntervalMin (%d) > IntervalMax (%d)", p.IntervalMin, p.IntervalMax)
	}
	if p.Latency > 499 {
		return fmt.Errorf("radio: Latency out of range (0-499): %d", p.Latency)
	}
	if p.SupervisionTimeout < 10 || p.SupervisionTimeout > 3200 {
		return fmt.Errorf("radio: SupervisionTimeout out of range (10-3200): %d", p.SupervisionTimeout)
	}

	// timeout (10ms units) must exceed (1 + latency) * interval_max * 2 (1.25ms units)
	minTimeoutMs := (1 + uint32(p.Latency)) * uint32(p.IntervalMax) * 2 * 125 / 100
	if uint32(p.SupervisionTimeout)*10 <= minTimeoutMs {
		return fmt.Errorf("radio: SupervisionTimeout too small: %dms, need > %dms",
			uint32(p.SupervisionTimeout)*10, minTimeoutMs)
	}
	return nil
}

// AdvParams configures advertising
type AdvParams struct {
	Connectable bool
	IntervalMin uint16 // units of 0.625ms
	IntervalMax uint16
}

// DefaultAdvParams returns connectable advertising at 100-150ms
func DefaultAdvParams() AdvParams {
	return AdvParams{Connectable: true, IntervalMin: 160, IntervalMax: 240}
}

// DiscoverType selects what a discovery request searches for
type DiscoverType uint8

const (
	DiscoverPrimary DiscoverType = iota
	DiscoverCharacteristic
	DiscoverDescriptor
)

func (t DiscoverType) String() string {
	switch t {
	case DiscoverPrimary:
		return "primary"
	case DiscoverCharacteristic:
		return "characteristic"
	case DiscoverDescriptor:
		return "descriptor"
	default:
		return fmt.Sprintf("DiscoverType(%d)", uint8(t))
	}
}

// IterAction tells a stack whether to keep delivering results
type IterAction uint8

const (
	IterStop IterAction = iota
	IterContinue
)

// Attribute is one discovery result. EndHandle is set for services and
// ValueHandle for characteristics.
type Attribute struct {
	Handle      uint16
	UUID        []byte
	EndHandle   uint16
	ValueHandle uint16
}

// DiscoverFunc receives each matched attribute and finally a nil attribute
// when the search is exhausted. Returning IterStop ends the search without
// the nil callback.
type DiscoverFunc func(conn *Conn, attr *Attribute, params *DiscoverParams) IterAction

// DiscoverParams describes one discovery request
type DiscoverParams struct {
	UUID        []byte // nil matches any
	StartHandle uint16
	EndHandle   uint16
	Type        DiscoverType
	Func        DiscoverFunc
}

// NotifyFunc receives notification payloads. A nil payload means the
// subscription was removed; the stack has already cleared ValueHandle.
type NotifyFunc func(conn *Conn, params *SubscribeParams, data []byte) IterAction

// SubscribeParams describes a CCC subscription
type SubscribeParams struct {
	ValueHandle uint16
	CCCHandle   uint16
	Value       uint16 // gatt.CCCNotify or gatt.CCCIndicate
	Notify      NotifyFunc
}

// DeviceFoundFunc receives one advertising report. ad aliases a stack buffer
// that is only valid for the duration of the call.
type DeviceFoundFunc func(addr Address, rssi int8, advType uint8, ad []byte)

// CCCChangedFunc is called when a client writes a CCC descriptor
type CCCChangedFunc func(cccHandle uint16, value uint16)

// MTUFunc reports the result of an MTU exchange. err is an ATT error code,
// zero on success.
type MTUFunc func(conn *Conn, err uint8)

// ConnCallbacks are the lifecycle callbacks a stack invokes. Nil members are
// skipped.
type ConnCallbacks struct {
	Connected        func(conn *Conn, err uint8)
	Disconnected     func(conn *Conn, reason uint8)
	SecurityChanged  func(conn *Conn, level SecurityLevel, err uint8)
	IdentityResolved func(conn *Conn, rpa Address, identity Address)
}
