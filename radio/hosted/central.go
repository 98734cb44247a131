//go:build linux || darwin || windows

package hosted

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/advertising"
)

// StartScan starts the host scan. The host picks active or passive
// scanning itself.
func (s *Stack) StartScan(mode radio.ScanMode, fn radio.DeviceFoundFunc) error {
	if fn == nil {
		return radio.ErrInvalid
	}
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return radio.ErrAlready
	}
	s.scanning = true
	s.onFound = fn
	s.mu.Unlock()

	logger.Debug(prefix, "Starting %s scan", mode)
	go func() {
		err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			s.scanResult(result)
		})
		if err != nil {
			logger.Warn(prefix, "Scan ended (err %v)", err)
		}
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()
	return nil
}

func (s *Stack) scanResult(result bluetooth.ScanResult) {
	addr := fromAddress(result.Address)
	data := reportData(result, s.config.ProbeServices)
	rssi := int8(max(math.MinInt8, min(math.MaxInt8, int(result.RSSI))))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scanning {
		return
	}
	s.peers[addr] = result.Address
	fn := s.onFound
	s.postLocked(func() { fn(addr, rssi, advertising.PDUTypeAdvInd, data) })
}

// StopScan stops the host scan
func (s *Stack) StopScan() error {
	s.mu.Lock()
	if !s.scanning {
		s.mu.Unlock()
		return radio.ErrAlready
	}
	s.scanning = false
	s.mu.Unlock()

	if err := s.adapter.StopScan(); err != nil {
		return errors.Wrap(err, "can't stop scan")
	}
	return nil
}

func connectionParams(p radio.ConnParams) bluetooth.ConnectionParams {
	return bluetooth.ConnectionParams{
		MinInterval: bluetooth.NewDuration(time.Duration(p.IntervalMin) * 1250 * time.Microsecond),
		MaxInterval: bluetooth.NewDuration(time.Duration(p.IntervalMax) * 1250 * time.Microsecond),
		Timeout:     bluetooth.NewDuration(time.Duration(p.SupervisionTimeout) * 10 * time.Millisecond),
	}
}

// Connect dials a device seen by the scan. The host call blocks, so the
// outcome arrives through the connected callback.
func (s *Stack) Connect(addr radio.Address, params radio.ConnParams) (*radio.Conn, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(radio.ErrInvalid, err.Error())
	}

	s.mu.Lock()
	if s.scanning || s.cconn != nil || s.dialing != "" {
		s.mu.Unlock()
		return nil, radio.ErrBusy
	}
	host, ok := s.peers[addr]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Wrapf(radio.ErrNoSuchDevice, "%s was never seen", addr)
	}
	conn := s.newConnLocked(addr, radio.RoleCentral)
	s.dialing = host.String()
	s.mu.Unlock()

	go func() {
		device, err := s.adapter.Connect(host, connectionParams(params))

		s.mu.Lock()
		defer s.mu.Unlock()
		s.dialing = ""
		if err != nil {
			logger.Warn(prefix, "Connect to %s failed: %v", addr, err)
			s.postLocked(func() {
				conn.MarkDisconnected()
				s.dispatchConnected(conn, radio.ReasonConnFailedToBeEstablished)
				conn.Unref()
			})
			return
		}
		s.cconn = conn
		s.device = device
		s.table = newAttrTable()
		s.postLocked(func() { s.dispatchConnected(conn, 0) })
	}()
	return conn.Ref(), nil
}

func (s *Stack) disconnectCentral(conn *radio.Conn) error {
	s.mu.Lock()
	if s.cconn != conn {
		s.mu.Unlock()
		return radio.ErrNotConnected
	}
	s.cconn = nil
	device := s.device
	s.mu.Unlock()

	if err := device.Disconnect(); err != nil {
		logger.Warn(prefix, "Disconnect failed: %v", err)
	}
	s.post(func() { s.centralTeardown(conn, radio.ReasonLocalHostTerminated) })
	return nil
}

// centralTeardown invalidates subscriptions then reports the disconnect
func (s *Stack) centralTeardown(conn *radio.Conn, reason uint8) {
	s.mu.Lock()
	var subs []*radio.SubscribeParams
	for p := range s.subs {
		subs = append(subs, p)
	}
	clear(s.subs)
	s.table = nil
	s.mu.Unlock()

	for _, p := range subs {
		p.ValueHandle = 0
		p.Notify(conn, p, nil)
	}
	conn.MarkDisconnected()
	s.dispatchDisconnected(conn, reason)
	conn.Unref()
}

// Discover resolves the request against the connection's synthetic
// attribute layout, fetching services and characteristics from the host
// on first use
func (s *Stack) Discover(conn *radio.Conn, params *radio.DiscoverParams) error {
	if params == nil || params.Func == nil || params.StartHandle == 0 || params.StartHandle > params.EndHandle {
		return radio.ErrInvalid
	}
	s.mu.Lock()
	if conn == nil || s.cconn != conn {
		s.mu.Unlock()
		return radio.ErrNotConnected
	}
	req := *params
	device, table := s.device, s.table
	s.mu.Unlock()

	go s.runDiscovery(conn, device, table, &req, params)
	return nil
}

func (s *Stack) runDiscovery(conn *radio.Conn, device bluetooth.Device, table *attrTable, req, params *radio.DiscoverParams) {
	s.gattMu.Lock()
	switch req.Type {
	case radio.DiscoverPrimary:
		var filter []bluetooth.UUID
		if req.UUID != nil {
			filter = []bluetooth.UUID{toUUID(req.UUID)}
		}
		services, err := device.DiscoverServices(filter)
		if err != nil {
			logger.Warn(prefix, "Service discovery failed: %v", err)
		}
		s.mu.Lock()
		for i := range services {
			table.addService(fromUUID(services[i].UUID()), services[i])
		}
		s.mu.Unlock()

	case radio.DiscoverCharacteristic:
		s.mu.Lock()
		pending := table.overlapping(req.StartHandle, req.EndHandle)
		s.mu.Unlock()
		for _, svc := range pending {
			if svc.resolved {
				continue
			}
			chars, err := svc.host.DiscoverCharacteristics(nil)
			if err != nil {
				logger.Warn(prefix, "Characteristic discovery failed: %v", err)
				continue
			}
			uuids := make([][]byte, len(chars))
			for i := range chars {
				uuids[i] = fromUUID(chars[i].UUID())
			}
			s.mu.Lock()
			svc.addChars(uuids, chars)
			s.mu.Unlock()
		}
	}
	s.gattMu.Unlock()

	s.mu.Lock()
	var results []radio.Attribute
	if s.cconn == conn {
		results = table.find(req)
	}
	s.mu.Unlock()

	s.post(func() {
		for i := range results {
			if params.Func(conn, &results[i], params) == radio.IterStop {
				return
			}
		}
		params.Func(conn, nil, params)
	})
}

// Subscribe enables host notifications for the characteristic owning
// params.ValueHandle
func (s *Stack) Subscribe(conn *radio.Conn, params *radio.SubscribeParams) error {
	if params == nil || params.Notify == nil || params.ValueHandle == 0 || params.CCCHandle == 0 {
		return radio.ErrInvalid
	}
	s.mu.Lock()
	if conn == nil || s.cconn != conn {
		s.mu.Unlock()
		return radio.ErrNotConnected
	}
	if _, ok := s.subs[params]; ok {
		s.mu.Unlock()
		return radio.ErrAlready
	}
	c := s.table.charByValue(params.ValueHandle)
	if c == nil || c.ccc != params.CCCHandle {
		s.mu.Unlock()
		return radio.ErrInvalid
	}
	s.subs[params] = c
	s.mu.Unlock()

	go func() {
		s.gattMu.Lock()
		defer s.gattMu.Unlock()

		err := c.host.EnableNotifications(func(buf []byte) {
			data := append([]byte{}, buf...)
			s.post(func() { s.deliver(conn, params, data) })
		})
		if err != nil {
			logger.Warn(prefix, "Enable notifications failed: %v", err)
			s.mu.Lock()
			delete(s.subs, params)
			s.mu.Unlock()
			s.post(func() {
				params.ValueHandle = 0
				params.Notify(conn, params, nil)
			})
		}
	}()
	return nil
}

func (s *Stack) deliver(conn *radio.Conn, params *radio.SubscribeParams, data []byte) {
	s.mu.Lock()
	_, ok := s.subs[params]
	s.mu.Unlock()
	if !ok {
		return
	}
	if params.Notify(conn, params, data) == radio.IterStop {
		_ = s.Unsubscribe(conn, params)
	}
}

// Unsubscribe disables host notifications. params.Notify then receives a
// nil payload with ValueHandle cleared.
func (s *Stack) Unsubscribe(conn *radio.Conn, params *radio.SubscribeParams) error {
	s.mu.Lock()
	c, ok := s.subs[params]
	if !ok {
		s.mu.Unlock()
		return radio.ErrInvalid
	}
	delete(s.subs, params)
	s.mu.Unlock()

	go func() {
		s.gattMu.Lock()
		err := c.host.EnableNotifications(nil)
		s.gattMu.Unlock()
		if err != nil {
			logger.Warn(prefix, "Disable notifications failed: %v", err)
		}
		s.post(func() {
			params.ValueHandle = 0
			params.Notify(conn, params, nil)
		})
	}()
	return nil
}
