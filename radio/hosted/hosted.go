//go:build linux || darwin || windows

// Package hosted runs the radio contract on a real host Bluetooth stack
// (BlueZ, CoreBluetooth or WinRT) through tinygo.org/x/bluetooth.
//
// The host API is blocking; the radio contract is callback driven. Every
// callback is queued and run by Run on a single goroutine, never from
// inside a command.
package hosted

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/gatt"
)

const prefix = "hosted"

// Config configures the host adapter
type Config struct {
	// ProbeServices lists 128-bit service UUIDs (transmitted order) to look
	// for when the host only exposes parsed advertising fields
	ProbeServices [][]byte

	// Local is reported as the local address of every connection
	Local radio.Address
}

// Stack implements radio.Stack on a host adapter
type Stack struct {
	adapter *bluetooth.Adapter
	config  Config
	local   radio.Address

	mu        sync.Mutex
	queue     []func()
	wake      chan struct{}
	callbacks []radio.ConnCallbacks
	nextID    uint64
	peers     map[radio.Address]bluetooth.Address

	// central role
	scanning bool
	onFound  radio.DeviceFoundFunc
	dialing  string // host address being connected
	cconn    *radio.Conn
	device   bluetooth.Device
	table    *attrTable
	subs     map[*radio.SubscribeParams]*charEntry
	gattMu   sync.Mutex // serializes blocking GATT client requests

	// peripheral role
	adv         *bluetooth.Advertisement
	advertising bool
	chars       map[uint16]*bluetooth.Characteristic // value handle
	cccs        map[uint16]uint16                    // CCC handle -> value handle
	cccChanged  map[uint16]radio.CCCChangedFunc
	pconn       *radio.Conn
	pconnAddr   string
}

var _ radio.Stack = (*Stack)(nil)

// New enables adapter and installs the connection handler. Callbacks are
// only delivered while Run is running.
func New(adapter *bluetooth.Adapter, config Config) (*Stack, error) {
	if err := adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "can't enable adapter")
	}

	s := &Stack{
		adapter:    adapter,
		config:     config,
		local:      config.Local,
		wake:       make(chan struct{}, 1),
		peers:      make(map[radio.Address]bluetooth.Address),
		subs:       make(map[*radio.SubscribeParams]*charEntry),
		chars:      make(map[uint16]*bluetooth.Characteristic),
		cccs:       make(map[uint16]uint16),
		cccChanged: make(map[uint16]radio.CCCChangedFunc),
	}
	adapter.SetConnectHandler(s.connectHandler)
	logger.Info(prefix, "Bluetooth initialized (%s)", s.local)
	return s, nil
}

// post queues fn for the dispatcher
func (s *Stack) post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postLocked(fn)
}

// Run delivers queued callbacks until ctx is done
func (s *Stack) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			ev()
		}
	}
}

// RegisterConnCallbacks adds a set of connection callbacks
func (s *Stack) RegisterConnCallbacks(cb radio.ConnCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

func (s *Stack) snapshotCallbacks() []radio.ConnCallbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]radio.ConnCallbacks(nil), s.callbacks...)
}

func (s *Stack) dispatchConnected(conn *radio.Conn, err uint8) {
	for _, cb := range s.snapshotCallbacks() {
		if cb.Connected != nil {
			cb.Connected(conn, err)
		}
	}
}

func (s *Stack) dispatchDisconnected(conn *radio.Conn, reason uint8) {
	for _, cb := range s.snapshotCallbacks() {
		if cb.Disconnected != nil {
			cb.Disconnected(conn, reason)
		}
	}
}

// newConnLocked allocates a connection. The caller holds s.mu.
func (s *Stack) newConnLocked(peer radio.Address, role radio.Role) *radio.Conn {
	s.nextID++
	return radio.NewConn(s.nextID, s.local, peer, role)
}

// connectHandler receives host link events for both roles. Links the
// central side is dialing are reported by Connect itself.
func (s *Stack) connectHandler(device bluetooth.Device, connected bool) {
	key := device.Address.String()
	peer := fromAddress(device.Address)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case connected && key == s.dialing:
	case connected && s.advertising && s.pconn == nil:
		s.advertising = false
		s.pconn = s.newConnLocked(peer, radio.RolePeripheral)
		s.pconnAddr = key
		conn := s.pconn
		// The host hides CCC writes and only sends notifications to
		// subscribed clients, so the CCC reads as enabled while connected.
		var enable []func()
		for ccc := range s.cccs {
			ccc := ccc
			if fn := s.cccChanged[ccc]; fn != nil {
				enable = append(enable, func() { fn(ccc, gatt.CCCNotify) })
			}
		}
		s.postLocked(func() {
			s.dispatchConnected(conn, 0)
			for _, fn := range enable {
				fn()
			}
		})
	case !connected && s.pconn != nil && key == s.pconnAddr:
		conn := s.pconn
		s.pconn = nil
		s.pconnAddr = ""
		s.postLocked(func() { s.peripheralTeardown(conn, radio.ReasonRemoteUserTerminated) })
	case !connected && s.cconn != nil && peer == s.cconn.Peer():
		conn := s.cconn
		s.cconn = nil
		s.postLocked(func() { s.centralTeardown(conn, radio.ReasonRemoteUserTerminated) })
	}
}

// postLocked queues fn while the caller holds s.mu
func (s *Stack) postLocked(fn func()) {
	s.queue = append(s.queue, fn)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RequestSecurity is not offered by the host API. Links stay at the level
// the host negotiated.
func (s *Stack) RequestSecurity(conn *radio.Conn, level radio.SecurityLevel) error {
	if conn == nil || !conn.Connected() {
		return radio.ErrNotConnected
	}
	if conn.Security() >= level {
		return nil
	}
	return errors.Wrapf(radio.ErrNotSupported, "security %s", level)
}

// Disconnect terminates conn in either role
func (s *Stack) Disconnect(conn *radio.Conn, reason uint8) error {
	if conn == nil {
		return radio.ErrNotConnected
	}
	if conn.Role() == radio.RoleCentral {
		return s.disconnectCentral(conn)
	}
	return errors.Wrap(radio.ErrNotSupported, "peripheral disconnect")
}
