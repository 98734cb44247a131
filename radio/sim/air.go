// Package sim is an in-memory radio medium implementing radio.Stack.
//
// Every Device attached to an Air shares one FIFO event queue. Commands
// validate synchronously and post their results to the queue; Pump or Serve
// drains it on a single goroutine, so no two callbacks ever run concurrently.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/advertising"
	"github.com/user/blepair/wire/debug"
)

// Air is a shared simulated radio medium
type Air struct {
	mu      sync.Mutex
	devices []*Device
	links   map[uint64]*link
	queue   []func()
	nextID  uint64
	sim     *simulator
	wake    chan struct{}
	tracer  *debug.Tracer

	pumpMu sync.Mutex
}

// link is one connection between a central and a peripheral Device
type link struct {
	id         uint64
	central    *Device
	peripheral *Device
	cconn      *radio.Conn
	pconn      *radio.Conn
	mtu        int
	up         bool
	resolved   bool
}

// NewAir creates an empty medium. A nil config uses PerfectConfig.
func NewAir(config *Config) *Air {
	return &Air{
		links: make(map[uint64]*link),
		sim:   newSimulator(config),
		wake:  make(chan struct{}, 1),
	}
}

// SetTracer records every ATT frame crossing a link. nil disables tracing.
func (a *Air) SetTracer(t *debug.Tracer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracer = t
}

// post queues an event. The caller holds a.mu.
func (a *Air) post(fn func()) {
	a.queue = append(a.queue, fn)
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Pump runs queued events, including ones posted while running, until the
// queue is empty. It returns the number of events run.
func (a *Air) Pump() int {
	a.pumpMu.Lock()
	defer a.pumpMu.Unlock()

	n := 0
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return n
		}
		ev := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.mu.Unlock()

		ev()
		n++
	}
}

// Advertise runs one advertising event for every advertising device,
// delivering a report to every scanning device.
func (a *Air) Advertise() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, adv := range a.devices {
		if !adv.advertising {
			continue
		}
		pduType := byte(advertising.PDUTypeAdvNonconnInd)
		if adv.advParams.Connectable {
			pduType = advertising.PDUTypeAdvInd
		}
		pdu := &advertising.AdvertisingPDU{PDUType: pduType, AdvA: adv.addr.MAC, AdvData: adv.advData}
		a.broadcastLocked(adv, adv.addr.Random, pdu)
	}
}

// Broadcast delivers a raw advertising report from addr to every scanning
// device. The sender does not need to be attached to the air.
func (a *Air) Broadcast(addr radio.Address, pduType byte, data []byte) error {
	pdu := &advertising.AdvertisingPDU{PDUType: pduType, AdvA: addr.MAC, AdvData: data}
	if _, err := pdu.Encode(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.broadcastLocked(a.deviceLocked(addr), addr.Random, pdu)
	return nil
}

func (a *Air) broadcastLocked(from *Device, random bool, pdu *advertising.AdvertisingPDU) {
	raw, err := pdu.Encode()
	if err != nil {
		logger.Warn("sim", "dropping advertisement from %X: %v", pdu.AdvA, err)
		return
	}

	for _, sc := range a.devices {
		sc := sc
		if sc == from || !sc.scanning {
			continue
		}
		rssi := a.sim.rssi()
		a.post(func() { sc.receiveReport(raw, random, rssi) })
	}
}

// Serve advertises every advInterval and drains the event queue until ctx
// is done.
func (a *Air) Serve(ctx context.Context, advInterval time.Duration) error {
	ticker := time.NewTicker(advInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Advertise()
		case <-a.wake:
		}
		a.Pump()
	}
}

// DropLink tears down conn's link as a supervision timeout seen by both
// sides.
func (a *Air) DropLink(conn *radio.Conn) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.links[conn.ID()]
	if !ok || !l.up {
		return radio.ErrNotConnected
	}
	l.up = false
	a.post(func() { a.teardown(l, nil, radio.ReasonConnectionTimeout) })
	return nil
}

func (a *Air) deviceLocked(addr radio.Address) *Device {
	for _, d := range a.devices {
		if d.addr == addr {
			return d
		}
	}
	return nil
}

// teardown runs the disconnect sequence: client subscriptions see a nil
// notification, server CCCs reset, then both sides get disconnected.
// initiator is nil for link loss.
func (a *Air) teardown(l *link, initiator *Device, reason uint8) {
	a.mu.Lock()
	subs := l.central.subs[l.id]
	delete(l.central.subs, l.id)

	var resets []func()
	for _, h := range l.peripheral.ccc.Clear(l.id) {
		h := h
		if fn := l.peripheral.cccChanged[h]; fn != nil {
			resets = append(resets, func() { fn(h, 0) })
		}
	}
	a.mu.Unlock()

	for _, p := range subs {
		p.ValueHandle = 0
		p.Notify(l.cconn, p, nil)
	}
	for _, reset := range resets {
		reset()
	}

	l.cconn.MarkDisconnected()
	l.pconn.MarkDisconnected()

	for _, side := range []struct {
		dev  *Device
		conn *radio.Conn
	}{{l.central, l.cconn}, {l.peripheral, l.pconn}} {
		r := reason
		if initiator == side.dev {
			r = radio.ReasonLocalHostTerminated
		}
		side.dev.dispatchDisconnected(side.conn, r)
		side.conn.Unref()
	}

	a.mu.Lock()
	delete(a.links, l.id)
	a.mu.Unlock()
}
