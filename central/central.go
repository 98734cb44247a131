// Package central implements the scanning and GATT client role: find a
// peripheral advertising the target service, connect, walk discovery down
// to the CCC descriptor, subscribe and consume notifications.
package central

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/blepair/link"
	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/gatt"
)

const prefix = "central"

// ErrNotSubscribed is returned by Unsubscribe without a live subscription
var ErrNotSubscribed = errors.New("central: not subscribed")

// Options configures a Central
type Options struct {
	Service        []byte // 16 byte UUID in transmitted order
	Characteristic []byte

	ScanMode           radio.ScanMode // initial scan
	RescanOnDisconnect bool           // passive scan after disconnect
	Rediscover         link.RediscoverPolicy
	ConnParams         radio.ConnParams

	EventLog *link.EventLog
}

// DefaultOptions returns an active initial scan, passive rescan, rediscovery
// at the highest security level and the stack's default connection
// parameters
func DefaultOptions(service, characteristic []byte) Options {
	return Options{
		Service:            service,
		Characteristic:     characteristic,
		ScanMode:           radio.ScanActive,
		RescanOnDisconnect: true,
		Rediscover:         link.RediscoverMaxLevel,
		ConnParams:         radio.DefaultConnParams(),
	}
}

// Central binds the scanner, discovery walker and notification sink to a
// radio stack
type Central struct {
	mu      sync.Mutex
	stack   radio.Central
	opts    Options
	scanner *Scanner
	walker  Walker
	sink    *Sink
	monitor *link.Monitor

	cursor Cursor
	sub    *radio.SubscribeParams // per session, nil when idle
}

// New creates a Central. Start registers it with the stack.
func New(stack radio.Central, opts Options, sink *Sink) (*Central, error) {
	if len(opts.Service) != 16 || len(opts.Characteristic) != 16 {
		return nil, fmt.Errorf("central: service and characteristic UUIDs must be 16 bytes")
	}
	if err := opts.ConnParams.Validate(); err != nil {
		return nil, fmt.Errorf("central: %w", err)
	}
	if sink == nil {
		sink = NewSink(nil)
	}
	return &Central{
		stack:   stack,
		opts:    opts,
		scanner: NewScanner(opts.Service),
		walker:  Walker{Service: opts.Service, Characteristic: opts.Characteristic},
		sink:    sink,
		monitor: link.NewMonitor(radio.RoleCentral, opts.EventLog),
	}, nil
}

// Start registers the lifecycle callbacks and starts the initial scan
func (c *Central) Start() error {
	c.stack.RegisterConnCallbacks(radio.ConnCallbacks{
		Connected:        c.connected,
		Disconnected:     c.disconnected,
		SecurityChanged:  c.securityChanged,
		IdentityResolved: c.identityResolved,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.startScan(c.opts.ScanMode); err != nil {
		return err
	}
	logger.Info(prefix, "Scanning successfully started")
	return nil
}

// Cursor returns a copy of the discovery cursor
func (c *Central) Cursor() Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Subscription returns the subscribed value and CCC handles. ok is false
// when there is no subscription or it was invalidated.
func (c *Central) Subscription() (valueHandle, cccHandle uint16, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil || c.sub.ValueHandle == 0 {
		return 0, 0, false
	}
	return c.sub.ValueHandle, c.sub.CCCHandle, true
}

// State returns the lifecycle state of the connection slot
func (c *Central) State() link.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.monitor.Session(); s != nil {
		return s.State()
	}
	return link.StateIdle
}

// Session returns the live session or nil
func (c *Central) Session() *link.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitor.Session()
}

// Unsubscribe clears the peer CCC. The subscription is invalidated when the
// stack reports the unsubscribe.
func (c *Central) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.monitor.Session()
	if s == nil || c.sub == nil || c.sub.ValueHandle == 0 {
		return ErrNotSubscribed
	}
	if err := c.stack.Unsubscribe(s.Conn(), c.sub); err != nil {
		logger.Warn(prefix, "Unsubscribe failed (err %v)", err)
		return fmt.Errorf("central: unsubscribe: %w", err)
	}
	return nil
}

// Disconnect terminates the live connection
func (c *Central) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.monitor.Session()
	if s == nil || s.Conn() == nil {
		return radio.ErrNotConnected
	}
	return c.stack.Disconnect(s.Conn(), radio.ReasonRemoteUserTerminated)
}

// startScan starts scanning. The caller holds c.mu.
func (c *Central) startScan(mode radio.ScanMode) error {
	if err := c.stack.StartScan(mode, c.deviceFound); err != nil {
		logger.Error(prefix, "Scanning failed to start (err %v)", err)
		return fmt.Errorf("central: start %s scan: %w", mode, err)
	}
	logger.Debug(prefix, "Scanning (%s)", mode)
	return nil
}

func (c *Central) deviceFound(addr radio.Address, rssi int8, advType uint8, ad []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monitor.Busy() {
		return
	}
	if !c.scanner.Match(addr, rssi, advType, ad) {
		return
	}

	if err := c.stack.StopScan(); err != nil {
		logger.Warn(prefix, "Stop LE scan failed (err %v)", err)
		return
	}

	s, err := c.monitor.Begin(addr)
	if err != nil {
		return
	}
	conn, err := c.stack.Connect(addr, c.opts.ConnParams)
	if err != nil {
		logger.Warn(prefix, "Create conn to %s failed (err %v)", addr, err)
		c.monitor.Abort(s, err)
		_ = c.startScan(c.opts.ScanMode)
		return
	}
	c.monitor.Hold(s, conn)
	logger.Info(prefix, "Connecting to %s", addr)
}

func (c *Central) connected(conn *radio.Conn, err uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, up := c.monitor.Connected(conn, err)
	if s == nil {
		return
	}
	if !up {
		logger.Warn(prefix, "Failed to connect to %s (%d)", conn.Peer(), err)
		_ = c.startScan(c.opts.ScanMode)
		return
	}

	logger.Info(prefix, "Connected: %s", conn.Peer())
	c.sub = &radio.SubscribeParams{}
	c.startDiscovery(s)
}

func (c *Central) disconnected(conn *radio.Conn, reason uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	logger.Info(prefix, "Disconnected: %s (reason 0x%02X)", conn.Peer(), reason)
	if c.monitor.Disconnected(conn, reason) == nil {
		return
	}

	c.cursor, _ = c.walker.Step(c.cursor, Event{Kind: EventReset})
	c.sub = nil

	if c.opts.RescanOnDisconnect {
		_ = c.startScan(radio.ScanPassive)
	}
}

func (c *Central) securityChanged(conn *radio.Conn, level radio.SecurityLevel, err uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.monitor.SecurityChanged(conn, level, err)
	if s == nil || s.State() == link.StateConnecting {
		return
	}
	if c.opts.Rediscover.ShouldRediscover(level, err) {
		logger.Info(prefix, "Security %s reached, restarting discovery (%s)", level, c.opts.Rediscover)
		c.startDiscovery(s)
	}
}

func (c *Central) identityResolved(conn *radio.Conn, rpa, identity radio.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitor.IdentityResolved(conn, rpa, identity)
}

// startDiscovery begins a new walk from the service search under a fresh
// generation. Results of any earlier walk become stale.
func (c *Central) startDiscovery(s *link.Session) {
	gen := c.monitor.NewGeneration(s)
	if err := c.monitor.Transition(s, link.StateSubscribing); err != nil {
		logger.Warn(prefix, "%v", err)
	}
	c.step(s, Event{Kind: EventStart, Generation: gen})
}

// step feeds one event to the walker and issues the resulting commands.
// The caller holds c.mu.
func (c *Central) step(s *link.Session, ev Event) {
	prev := c.cursor
	next, cmds := c.walker.Step(prev, ev)
	c.cursor = next

	if prev.Stage != next.Stage {
		logger.Debug(prefix, "discovery %s -> %s (gen %d)", prev.Stage, next.Stage, next.Generation)
	}
	if prev.Stage != StageIdle && next.Stage == StageIdle {
		if prev.Stage.Searching() {
			logger.Info(prefix, "Discover complete")
		}
		_ = c.monitor.Transition(s, link.StateConnected)
	}

	for _, cmd := range cmds {
		switch cmd.Kind {
		case CommandDiscover:
			c.discover(s, next.Generation, cmd)
		case CommandSubscribe:
			c.subscribe(s, next.Generation, cmd)
		}
	}
}

func (c *Central) discover(s *link.Session, gen uint64, cmd Command) {
	params := &radio.DiscoverParams{
		UUID:        cmd.UUID,
		StartHandle: cmd.StartHandle,
		EndHandle:   cmd.EndHandle,
		Type:        cmd.Type,
		Func: func(conn *radio.Conn, attr *radio.Attribute, _ *radio.DiscoverParams) radio.IterAction {
			c.discovered(gen, conn, attr)
			return radio.IterStop
		},
	}
	logger.Trace(prefix, "discover %s %s [0x%04X, 0x%04X]", cmd.Type, gatt.UUIDString(cmd.UUID), cmd.StartHandle, cmd.EndHandle)

	if err := c.stack.Discover(s.Conn(), params); err != nil {
		logger.Warn(prefix, "Discover failed (err %v)", err)
		c.step(s, Event{Kind: EventFailed, Generation: gen})
	}
}

func (c *Central) discovered(gen uint64, conn *radio.Conn, attr *radio.Attribute) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.monitor.Session()
	if !s.Owns(conn) || !s.Current(gen) {
		logger.Debug(prefix, "Ignoring stale discovery result (gen %d)", gen)
		return
	}
	if attr == nil {
		c.step(s, Event{Kind: EventExhausted, Generation: gen})
		return
	}
	logger.Trace(prefix, "[ATTRIBUTE] handle %d", attr.Handle)
	c.step(s, Event{Kind: EventFound, Generation: gen, Attr: attr})
}

func (c *Central) subscribe(s *link.Session, gen uint64, cmd Command) {
	c.sub.ValueHandle = cmd.ValueHandle
	c.sub.CCCHandle = cmd.CCCHandle
	c.sub.Value = cmd.Value
	c.sub.Notify = c.notified

	err := c.stack.Subscribe(s.Conn(), c.sub)
	if err != nil && !errors.Is(err, radio.ErrAlready) {
		logger.Warn(prefix, "Subscribe failed (err %v)", err)
		c.sub.ValueHandle = 0
		c.step(s, Event{Kind: EventFailed, Generation: gen})
		return
	}
	logger.Info(prefix, "[SUBSCRIBED] value 0x%04X ccc 0x%04X", cmd.ValueHandle, cmd.CCCHandle)
	_ = c.monitor.Transition(s, link.StateActive)
}

func (c *Central) notified(conn *radio.Conn, params *radio.SubscribeParams, data []byte) radio.IterAction {
	if data != nil {
		return c.sink.Handle(data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	logger.Info(prefix, "[UNSUBSCRIBED]")
	params.ValueHandle = 0
	if s := c.monitor.Session(); s.Owns(conn) && s.State() == link.StateActive {
		_ = c.monitor.Transition(s, link.StateConnected)
		if c.cursor.Stage == StageSubscribed {
			c.cursor, _ = c.walker.Step(c.cursor, Event{Kind: EventReset})
		}
	}
	return radio.IterStop
}
