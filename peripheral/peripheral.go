// Package peripheral implements the advertising and GATT server role:
// expose the vendor service, accept one central and push counter
// notifications while the central has them enabled.
package peripheral

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/blepair/link"
	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/gatt"
)

const prefix = "peripheral"

// Options configures a Peripheral
type Options struct {
	Service         []byte // 16 byte UUID in transmitted order
	Characteristic  []byte
	UserDescription string

	ManufacturerData        []byte
	AdvParams               radio.AdvParams
	SecurityLevel           radio.SecurityLevel
	ReadvertiseOnDisconnect bool
	TickInterval            time.Duration

	EventLog *link.EventLog
}

// DefaultOptions returns the "User" characteristic description, the
// default manufacturer data, security level L1, re-advertising on
// disconnect and a 100ms tick
func DefaultOptions(service, characteristic []byte) Options {
	return Options{
		Service:                 service,
		Characteristic:          characteristic,
		UserDescription:         "User",
		ManufacturerData:        DefaultManufacturerData,
		AdvParams:               radio.DefaultAdvParams(),
		SecurityLevel:           radio.SecurityLow,
		ReadvertiseOnDisconnect: true,
		TickInterval:            100 * time.Millisecond,
	}
}

// Peripheral binds the advertiser and notification source to a radio stack
type Peripheral struct {
	mu      sync.Mutex
	stack   radio.Peripheral
	opts    Options
	source  *Source
	adv     *Advertiser
	monitor *link.Monitor
	handles *gatt.ServiceHandles
}

// New creates a Peripheral. Start registers it with the stack.
func New(stack radio.Peripheral, opts Options) (*Peripheral, error) {
	if len(opts.Service) != 16 || len(opts.Characteristic) != 16 {
		return nil, fmt.Errorf("peripheral: service and characteristic UUIDs must be 16 bytes")
	}
	if opts.TickInterval <= 0 {
		return nil, fmt.Errorf("peripheral: tick interval must be positive, got %s", opts.TickInterval)
	}
	adv, err := NewAdvertiser(stack, opts.AdvParams, Advertisement(opts.Service, opts.ManufacturerData))
	if err != nil {
		return nil, err
	}
	return &Peripheral{
		stack:   stack,
		opts:    opts,
		source:  NewSource(stack),
		adv:     adv,
		monitor: link.NewMonitor(radio.RolePeripheral, opts.EventLog),
	}, nil
}

// Start registers the service and lifecycle callbacks, requests an MTU
// exchange and starts advertising. The MTU exchange result never blocks
// advertising.
func (p *Peripheral) Start() error {
	handles, err := p.stack.AddService(gatt.Service{
		UUID: p.opts.Service,
		Characteristics: []gatt.Characteristic{{
			UUID:            p.opts.Characteristic,
			Properties:      gatt.PropNotify,
			Value:           make([]byte, PayloadSize),
			UserDescription: p.opts.UserDescription,
		}},
	}, p.source.CCCChanged)
	if err != nil {
		return fmt.Errorf("peripheral: add service: %w", err)
	}
	p.source.SetValueHandle(handles.Characteristics[0].Value)

	p.stack.RegisterConnCallbacks(radio.ConnCallbacks{
		Connected:        p.connected,
		Disconnected:     p.disconnected,
		SecurityChanged:  p.securityChanged,
		IdentityResolved: p.identityResolved,
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles = handles
	logger.Info(prefix, "Service at handles 0x%04X-0x%04X, value 0x%04X, ccc 0x%04X",
		handles.Start, handles.End, handles.Characteristics[0].Value, handles.Characteristics[0].CCC)

	p.exchangeMTU(p.liveConn())
	return p.adv.Start()
}

// Source returns the notification source
func (p *Peripheral) Source() *Source {
	return p.source
}

// Handles returns the service layout, nil before Start
func (p *Peripheral) Handles() *gatt.ServiceHandles {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles
}

// State returns the lifecycle state of the connection slot
func (p *Peripheral) State() link.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.monitor.Session(); s != nil {
		return s.State()
	}
	return link.StateIdle
}

// Session returns the live session or nil
func (p *Peripheral) Session() *link.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.monitor.Session()
}

// Tick runs one notification tick against the live connection
func (p *Peripheral) Tick() (bool, error) {
	p.mu.Lock()
	conn := p.liveConn()
	p.mu.Unlock()

	sent, err := p.source.Tick(conn)
	if err != nil {
		logger.Warn(prefix, "Notify failed (err %v)", err)
	}
	return sent, err
}

// Run ticks every TickInterval until ctx is done
func (p *Peripheral) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = p.Tick()
		}
	}
}

// liveConn returns the held connection. The caller holds p.mu.
func (p *Peripheral) liveConn() *radio.Conn {
	if s := p.monitor.Session(); s != nil {
		return s.Conn()
	}
	return nil
}

func (p *Peripheral) exchangeMTU(conn *radio.Conn) {
	err := p.stack.ExchangeMTU(conn, func(_ *radio.Conn, err uint8) {
		if err == 0 {
			logger.Info(prefix, "MTU exchange successful")
		} else {
			logger.Warn(prefix, "MTU exchange failed (att err 0x%02X)", err)
		}
	})
	if err != nil {
		logger.Warn(prefix, "MTU exchange failed (err %v)", err)
	}
}

func (p *Peripheral) connected(conn *radio.Conn, err uint8) {
	if conn.Role() != radio.RolePeripheral {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != 0 {
		logger.Warn(prefix, "Connection failed (err %d)", err)
		return
	}
	s, aerr := p.monitor.Accept(conn)
	if aerr != nil {
		logger.Warn(prefix, "Rejecting second connection from %s: %v", conn.Peer(), aerr)
		return
	}
	logger.Info(prefix, "Connected %s", conn.Peer())

	p.exchangeMTU(conn)
	p.requestSecurity(s)
}

// requestSecurity raises the link to the configured level. The caller
// holds p.mu.
func (p *Peripheral) requestSecurity(s *link.Session) {
	conn := s.Conn()
	if conn.Security() >= p.opts.SecurityLevel {
		_ = p.monitor.Transition(s, link.StateActive)
		return
	}

	_ = p.monitor.Transition(s, link.StateSecurityUpdating)
	if err := p.stack.RequestSecurity(conn, p.opts.SecurityLevel); err != nil {
		logger.Warn(prefix, "Failed to set security (err %v)", err)
		_ = p.monitor.Transition(s, link.StateActive)
	}
}

func (p *Peripheral) securityChanged(conn *radio.Conn, level radio.SecurityLevel, err uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.monitor.SecurityChanged(conn, level, err)
	if s != nil && s.State() == link.StateSecurityUpdating {
		_ = p.monitor.Transition(s, link.StateActive)
	}
}

func (p *Peripheral) identityResolved(conn *radio.Conn, rpa, identity radio.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.monitor.IdentityResolved(conn, rpa, identity)
}

func (p *Peripheral) disconnected(conn *radio.Conn, reason uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger.Info(prefix, "Disconnected (reason 0x%02X)", reason)
	if p.monitor.Disconnected(conn, reason) == nil {
		return
	}
	if p.opts.ReadvertiseOnDisconnect {
		_ = p.adv.Start()
	}
}
