package sim

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/advertising"
	"github.com/user/blepair/wire/att"
	"github.com/user/blepair/wire/gatt"
)

// Op names a Device command for fault injection
type Op uint8

const (
	OpStartScan Op = iota
	OpStopScan
	OpConnect
	OpDiscover
	OpSubscribe
	OpStartAdvertising
	OpExchangeMTU
	OpRequestSecurity
	OpNotify
)

// Device is one host stack attached to an Air
type Device struct {
	air      *Air
	addr     radio.Address
	identity radio.Address
	maxMTU   int

	callbacks []radio.ConnCallbacks
	faults    map[Op]error

	// scanner
	scanning bool
	scanMode radio.ScanMode
	onFound  radio.DeviceFoundFunc

	// advertiser
	advertising bool
	advParams   radio.AdvParams
	advData     []byte

	// GATT server
	db         *gatt.AttributeDatabase
	ccc        *gatt.CCCTable
	cccChanged map[uint16]radio.CCCChangedFunc

	// GATT client subscriptions per link
	subs map[uint64][]*radio.SubscribeParams
}

var _ radio.Stack = (*Device)(nil)

// NewDevice attaches a device with the given over-the-air address
func (a *Air) NewDevice(addr radio.Address) *Device {
	d := &Device{
		air:        a,
		addr:       addr,
		identity:   addr,
		maxMTU:     a.sim.config.MaxMTU,
		faults:     make(map[Op]error),
		db:         gatt.NewAttributeDatabase(),
		ccc:        gatt.NewCCCTable(),
		cccChanged: make(map[uint16]radio.CCCChangedFunc),
		subs:       make(map[uint64][]*radio.SubscribeParams),
	}

	a.mu.Lock()
	a.devices = append(a.devices, d)
	a.mu.Unlock()
	return d
}

// Address returns the over-the-air address
func (d *Device) Address() radio.Address {
	return d.addr
}

// SetIdentity sets the identity address revealed to the peer on pairing.
// It only differs from Address for devices using a private address.
func (d *Device) SetIdentity(identity radio.Address) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	d.identity = identity
}

// FailNext makes the next op command return err
func (d *Device) FailNext(op Op, err error) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	d.faults[op] = err
}

// Scanning reports whether the device is scanning and in which mode
func (d *Device) Scanning() (bool, radio.ScanMode) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	return d.scanning, d.scanMode
}

// Advertising reports whether the device is advertising
func (d *Device) Advertising() bool {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	return d.advertising
}

// Database exposes the GATT server table
func (d *Device) Database() *gatt.AttributeDatabase {
	return d.db
}

func (d *Device) takeFault(op Op) error {
	err, ok := d.faults[op]
	if !ok {
		return nil
	}
	delete(d.faults, op)
	return err
}

// RegisterConnCallbacks adds a set of lifecycle callbacks
func (d *Device) RegisterConnCallbacks(cb radio.ConnCallbacks) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	d.callbacks = append(d.callbacks, cb)
}

func (d *Device) snapshotCallbacks() []radio.ConnCallbacks {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	return append([]radio.ConnCallbacks(nil), d.callbacks...)
}

func (d *Device) dispatchConnected(conn *radio.Conn, err uint8) {
	for _, cb := range d.snapshotCallbacks() {
		if cb.Connected != nil {
			cb.Connected(conn, err)
		}
	}
}

func (d *Device) dispatchDisconnected(conn *radio.Conn, reason uint8) {
	for _, cb := range d.snapshotCallbacks() {
		if cb.Disconnected != nil {
			cb.Disconnected(conn, reason)
		}
	}
}

func (d *Device) dispatchSecurityChanged(conn *radio.Conn, level radio.SecurityLevel) {
	for _, cb := range d.snapshotCallbacks() {
		if cb.SecurityChanged != nil {
			cb.SecurityChanged(conn, level, 0)
		}
	}
}

func (d *Device) dispatchIdentityResolved(conn *radio.Conn, rpa, identity radio.Address) {
	for _, cb := range d.snapshotCallbacks() {
		if cb.IdentityResolved != nil {
			cb.IdentityResolved(conn, rpa, identity)
		}
	}
}

// activeLinkLocked returns the device's live link in either role
func (d *Device) activeLinkLocked() *link {
	for _, l := range d.air.links {
		if l.up && (l.central == d || l.peripheral == d) {
			return l
		}
	}
	return nil
}

// linkLocked resolves conn to a live link on which d plays role
func (d *Device) linkLocked(conn *radio.Conn, role radio.Role) (*link, error) {
	if conn == nil {
		return nil, radio.ErrNotConnected
	}
	l, ok := d.air.links[conn.ID()]
	if !ok || !l.up {
		return nil, radio.ErrNotConnected
	}
	switch {
	case role == radio.RoleCentral && l.central == d:
	case role == radio.RolePeripheral && l.peripheral == d:
	default:
		return nil, radio.ErrNotConnected
	}
	return l, nil
}

func (d *Device) anyLinkLocked(conn *radio.Conn) (*link, error) {
	if conn == nil {
		return nil, radio.ErrNotConnected
	}
	return d.linkLocked(conn, conn.Role())
}

// StartScan starts delivering advertising reports to fn
func (d *Device) StartScan(mode radio.ScanMode, fn radio.DeviceFoundFunc) error {
	if fn == nil {
		return radio.ErrInvalid
	}
	d.air.mu.Lock()
	defer d.air.mu.Unlock()

	if err := d.takeFault(OpStartScan); err != nil {
		return err
	}
	if d.scanning {
		return radio.ErrAlready
	}
	d.scanning = true
	d.scanMode = mode
	d.onFound = fn
	return nil
}

// StopScan stops scanning. Reports already queued are dropped.
func (d *Device) StopScan() error {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()

	if err := d.takeFault(OpStopScan); err != nil {
		return err
	}
	if !d.scanning {
		return radio.ErrAlready
	}
	d.scanning = false
	d.onFound = nil
	return nil
}

func (d *Device) receiveReport(raw []byte, random bool, rssi int8) {
	d.air.mu.Lock()
	fn := d.onFound
	scanning := d.scanning
	d.air.mu.Unlock()
	if !scanning || fn == nil {
		return
	}

	pdu, err := advertising.DecodeAdvertisingPDU(raw)
	if err != nil {
		return
	}
	fn(radio.Address{MAC: pdu.AdvA, Random: random}, rssi, pdu.PDUType, pdu.AdvData)
}

// Connect creates a connection to addr. The outcome is reported through the
// connected callback; a failed attempt reports a non-zero error. The
// returned Conn carries a reference owned by the caller.
func (d *Device) Connect(addr radio.Address, params radio.ConnParams) (*radio.Conn, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", radio.ErrInvalid, err)
	}
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := d.takeFault(OpConnect); err != nil {
		return nil, err
	}
	if d.scanning || d.activeLinkLocked() != nil {
		return nil, radio.ErrBusy
	}

	a.nextID++
	id := a.nextID
	cconn := radio.NewConn(id, d.addr, addr, radio.RoleCentral)

	target := a.deviceLocked(addr)
	if target == nil || !target.advertising || !target.advParams.Connectable ||
		target.activeLinkLocked() != nil || !a.sim.connectionSucceeds() {
		a.post(func() {
			cconn.MarkDisconnected()
			d.dispatchConnected(cconn, radio.ReasonConnFailedToBeEstablished)
			cconn.Unref()
		})
		return cconn.Ref(), nil
	}

	target.advertising = false
	l := &link{
		id:         id,
		central:    d,
		peripheral: target,
		cconn:      cconn,
		pconn:      radio.NewConn(id, target.addr, d.addr, radio.RolePeripheral),
		mtu:        a.sim.config.DefaultMTU,
		up:         true,
	}
	a.links[id] = l
	a.post(func() { d.dispatchConnected(l.cconn, 0) })
	a.post(func() { target.dispatchConnected(l.pconn, 0) })
	return cconn.Ref(), nil
}

// Disconnect terminates the link. The peer sees reason; the local side sees
// "Connection Terminated By Local Host".
func (d *Device) Disconnect(conn *radio.Conn, reason uint8) error {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := d.anyLinkLocked(conn)
	if err != nil {
		return err
	}
	l.up = false
	a.post(func() { a.teardown(l, d, reason) })
	return nil
}

// Discover searches the peer's attribute table
func (d *Device) Discover(conn *radio.Conn, params *radio.DiscoverParams) error {
	if params == nil || params.Func == nil || params.StartHandle == 0 || params.StartHandle > params.EndHandle {
		return radio.ErrInvalid
	}
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := d.linkLocked(conn, radio.RoleCentral)
	if err != nil {
		return err
	}
	if err := d.takeFault(OpDiscover); err != nil {
		return err
	}

	req := *params
	a.post(func() { a.runDiscovery(l, &req, params) })
	return nil
}

// runDiscovery delivers the results of req to params.Func. A link that went
// down before the request ran yields only the terminal nil callback.
func (a *Air) runDiscovery(l *link, req, params *radio.DiscoverParams) {
	a.mu.Lock()
	var results []radio.Attribute
	if l.up {
		results = l.peripheral.findLocked(req)
	}
	a.mu.Unlock()

	for i := range results {
		if params.Func(l.cconn, &results[i], params) == radio.IterStop {
			return
		}
	}
	params.Func(l.cconn, nil, params)
}

func (d *Device) findLocked(req *radio.DiscoverParams) []radio.Attribute {
	var results []radio.Attribute

	switch req.Type {
	case radio.DiscoverPrimary:
		for _, m := range d.db.FindPrimaryServices(req.StartHandle, req.EndHandle, req.UUID) {
			attr, _ := d.db.GetAttribute(m.Handle)
			results = append(results, radio.Attribute{Handle: m.Handle, UUID: attr.Value, EndHandle: m.EndHandle})
		}
	case radio.DiscoverCharacteristic:
		for _, m := range d.db.FindCharacteristics(req.StartHandle, req.EndHandle, req.UUID) {
			attr, _ := d.db.GetAttribute(m.Handle)
			decl, _ := gatt.ParseCharacteristicDeclaration(attr.Value)
			results = append(results, radio.Attribute{Handle: m.Handle, UUID: decl.UUID, ValueHandle: m.ValueHandle})
		}
	case radio.DiscoverDescriptor:
		for _, h := range d.db.FindDescriptors(req.StartHandle, req.EndHandle, req.UUID) {
			attr, _ := d.db.GetAttribute(h)
			results = append(results, radio.Attribute{Handle: h, UUID: attr.Type})
		}
	}
	return results
}

// Subscribe writes the peer CCC and routes matching notifications to
// params.Notify until unsubscribed or disconnected.
func (d *Device) Subscribe(conn *radio.Conn, params *radio.SubscribeParams) error {
	if params == nil || params.Notify == nil || params.ValueHandle == 0 || params.CCCHandle == 0 {
		return radio.ErrInvalid
	}
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := d.linkLocked(conn, radio.RoleCentral)
	if err != nil {
		return err
	}
	if err := d.takeFault(OpSubscribe); err != nil {
		return err
	}
	for _, p := range d.subs[l.id] {
		if p == params {
			return radio.ErrAlready
		}
	}
	attr, err := l.peripheral.db.GetAttribute(params.CCCHandle)
	if err != nil || !bytes.Equal(attr.Type, gatt.UUIDClientCharacteristicConfig) {
		return radio.ErrInvalid
	}

	d.subs[l.id] = append(d.subs[l.id], params)
	value := params.Value
	handle := params.CCCHandle
	a.post(func() { a.writeCCC(l, handle, value) })
	return nil
}

// Unsubscribe clears the peer CCC. params.Notify then receives a nil
// payload with ValueHandle cleared.
func (d *Device) Unsubscribe(conn *radio.Conn, params *radio.SubscribeParams) error {
	if params == nil {
		return radio.ErrInvalid
	}
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := d.linkLocked(conn, radio.RoleCentral)
	if err != nil {
		return err
	}
	subs := d.subs[l.id]
	idx := -1
	for i, p := range subs {
		if p == params {
			idx = i
			break
		}
	}
	if idx < 0 {
		return radio.ErrInvalid
	}
	d.subs[l.id] = append(subs[:idx:idx], subs[idx+1:]...)

	handle := params.CCCHandle
	a.post(func() {
		a.writeCCC(l, handle, gatt.CCCDisabled)
		params.ValueHandle = 0
		params.Notify(l.cconn, params, nil)
	})
	return nil
}

// AddService appends svc to the GATT server. cccChanged is called for
// writes to any CCC descriptor of the service.
func (d *Device) AddService(svc gatt.Service, cccChanged radio.CCCChangedFunc) (*gatt.ServiceHandles, error) {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()

	handles, err := d.db.AddService(svc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", radio.ErrInvalid, err)
	}
	for _, ch := range handles.Characteristics {
		if ch.CCC != 0 && cccChanged != nil {
			d.cccChanged[ch.CCC] = cccChanged
		}
	}
	return handles, nil
}

// StartAdvertising starts advertising data. Connectable advertising stops
// when a central connects.
func (d *Device) StartAdvertising(params radio.AdvParams, data []advertising.ADStructure) error {
	raw, err := advertising.EncodeADStructures(data)
	if err != nil {
		return fmt.Errorf("%w: %v", radio.ErrInvalid, err)
	}
	d.air.mu.Lock()
	defer d.air.mu.Unlock()

	if err := d.takeFault(OpStartAdvertising); err != nil {
		return err
	}
	if d.advertising {
		return radio.ErrAlready
	}
	if params.Connectable && d.activeLinkLocked() != nil {
		return radio.ErrBusy
	}
	d.advertising = true
	d.advParams = params
	d.advData = raw
	return nil
}

// StopAdvertising stops advertising
func (d *Device) StopAdvertising() error {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()

	if !d.advertising {
		return radio.ErrAlready
	}
	d.advertising = false
	return nil
}

// ExchangeMTU negotiates the ATT MTU with the peer
func (d *Device) ExchangeMTU(conn *radio.Conn, fn radio.MTUFunc) error {
	if fn == nil {
		return radio.ErrInvalid
	}
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := d.anyLinkLocked(conn)
	if err != nil {
		return err
	}
	if err := d.takeFault(OpExchangeMTU); err != nil {
		return err
	}
	a.post(func() {
		if err := a.exchangeMTU(l, d); err != nil {
			var attErr *att.Error
			if errors.As(err, &attErr) {
				fn(conn, attErr.Code)
			} else {
				fn(conn, att.ErrUnlikelyError)
			}
			return
		}
		fn(conn, 0)
	})
	return nil
}

// MTU returns the current ATT MTU of conn's link
func (d *Device) MTU(conn *radio.Conn) int {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	if l, err := d.anyLinkLocked(conn); err == nil {
		return l.mtu
	}
	return 0
}

// RequestSecurity encrypts the link at level. A link already at or above
// level is left alone and no callback follows.
func (d *Device) RequestSecurity(conn *radio.Conn, level radio.SecurityLevel) error {
	if level > radio.SecurityMax {
		return radio.ErrInvalid
	}
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := d.anyLinkLocked(conn)
	if err != nil {
		return err
	}
	if err := d.takeFault(OpRequestSecurity); err != nil {
		return err
	}
	if conn.Security() >= level {
		return nil
	}
	a.post(func() { a.encrypt(l, level) })
	return nil
}

// encrypt pairs the link. Identity addresses are distributed first, so a
// peer using a private address is resolved before security changes.
func (a *Air) encrypt(l *link, level radio.SecurityLevel) {
	a.mu.Lock()
	if !l.up {
		a.mu.Unlock()
		return
	}
	resolve := !l.resolved
	l.resolved = true
	centralID, peripheralID := l.central.identity, l.peripheral.identity
	a.mu.Unlock()

	if resolve {
		if peripheralID != l.peripheral.addr {
			l.central.dispatchIdentityResolved(l.cconn, l.peripheral.addr, peripheralID)
		}
		if centralID != l.central.addr {
			l.peripheral.dispatchIdentityResolved(l.pconn, l.central.addr, centralID)
		}
	}

	l.cconn.SetSecurity(level)
	l.pconn.SetSecurity(level)
	l.central.dispatchSecurityChanged(l.cconn, level)
	l.peripheral.dispatchSecurityChanged(l.pconn, level)
}

// Notify sends payload from the value attribute at handle to the central.
// The central must have enabled notifications on the characteristic's CCC.
func (d *Device) Notify(conn *radio.Conn, handle uint16, payload []byte) error {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := d.linkLocked(conn, radio.RolePeripheral)
	if err != nil {
		return err
	}
	if err := d.takeFault(OpNotify); err != nil {
		return err
	}
	ccc := d.db.CCCForValue(handle)
	if ccc == 0 {
		return radio.ErrInvalid
	}
	if !d.ccc.NotifyEnabled(l.id, ccc) {
		return radio.ErrNotSubscribed
	}
	if att.NotificationHeaderLen+len(payload) > l.mtu {
		return fmt.Errorf("%w: payload %d bytes exceeds MTU %d", radio.ErrInvalid, len(payload), l.mtu)
	}

	if err := d.db.SetAttributeValue(handle, payload); err != nil {
		return radio.ErrInvalid
	}
	data, err := frame(&att.Notification{Handle: handle, Value: payload})
	if err != nil {
		return err
	}
	a.tracer.Frame(l.id, d.addr.String(), l.central.addr.String(), data)
	a.post(func() { a.deliverNotification(l, data) })
	return nil
}

// deliverNotification decodes a notification frame on the central side and
// routes it to the matching subscriptions
func (a *Air) deliverNotification(l *link, raw []byte) {
	pdu, err := unframe(raw)
	if err != nil {
		logger.Warn("sim", "central dropped notification: %v", err)
		return
	}
	n, ok := pdu.(*att.Notification)
	if !ok {
		return
	}
	handle, data := n.Handle, n.Value

	a.mu.Lock()
	if !l.up {
		a.mu.Unlock()
		return
	}
	subs := append([]*radio.SubscribeParams(nil), l.central.subs[l.id]...)
	a.mu.Unlock()

	for _, p := range subs {
		if p.ValueHandle != handle {
			continue
		}
		if p.Notify(l.cconn, p, data) == radio.IterStop {
			_ = l.central.Unsubscribe(l.cconn, p)
		}
	}
}
