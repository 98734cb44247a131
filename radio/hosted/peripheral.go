//go:build linux || darwin || windows

package hosted

import (
	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/advertising"
	"github.com/user/blepair/wire/gatt"
)

func permissions(props uint8) bluetooth.CharacteristicPermissions {
	var perms bluetooth.CharacteristicPermissions
	if props&gatt.PropRead != 0 {
		perms |= bluetooth.CharacteristicReadPermission
	}
	if props&gatt.PropWrite != 0 {
		perms |= bluetooth.CharacteristicWritePermission
	}
	if props&gatt.PropWriteWithoutResponse != 0 {
		perms |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if props&gatt.PropNotify != 0 {
		perms |= bluetooth.CharacteristicNotifyPermission
	}
	if props&gatt.PropIndicate != 0 {
		perms |= bluetooth.CharacteristicIndicatePermission
	}
	return perms
}

// AddService registers svc with the host GATT server. The returned handles
// describe the layout the host is asked to build; the host assigns its own
// handles on the air.
func (s *Stack) AddService(svc gatt.Service, cccChanged radio.CCCChangedFunc) (*gatt.ServiceHandles, error) {
	layout := gatt.NewAttributeDatabase()
	handles, err := layout.AddService(svc)
	if err != nil {
		return nil, errors.Wrap(radio.ErrInvalid, err.Error())
	}

	hostSvc := &bluetooth.Service{UUID: toUUID(svc.UUID)}
	hostChars := make([]*bluetooth.Characteristic, len(svc.Characteristics))
	for i, char := range svc.Characteristics {
		hostChars[i] = &bluetooth.Characteristic{}
		hostSvc.Characteristics = append(hostSvc.Characteristics, bluetooth.CharacteristicConfig{
			Handle: hostChars[i],
			UUID:   toUUID(char.UUID),
			Value:  char.Value,
			Flags:  permissions(char.Properties),
		})
		if char.UserDescription != "" {
			logger.Debug(prefix, "User description %q is not published by the host", char.UserDescription)
		}
	}
	if err := s.adapter.AddService(hostSvc); err != nil {
		return nil, errors.Wrap(err, "can't add service")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, ch := range handles.Characteristics {
		s.chars[ch.Value] = hostChars[i]
		if ch.CCC != 0 {
			s.cccs[ch.CCC] = ch.Value
			s.cccChanged[ch.CCC] = cccChanged
		}
	}
	return handles, nil
}

// StartAdvertising configures and starts host advertising. Flags are set
// by the host.
func (s *Stack) StartAdvertising(params radio.AdvParams, data []advertising.ADStructure) error {
	if _, err := advertising.EncodeADStructures(data); err != nil {
		return errors.Wrap(radio.ErrInvalid, err.Error())
	}
	opts, err := advertisementOptions(params, data)
	if err != nil {
		return errors.Wrap(radio.ErrInvalid, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advertising {
		return radio.ErrAlready
	}
	if params.Connectable && s.pconn != nil {
		return radio.ErrBusy
	}
	if s.adv == nil {
		s.adv = s.adapter.DefaultAdvertisement()
	}
	if err := s.adv.Configure(opts); err != nil {
		return errors.Wrap(err, "can't configure advertisement")
	}
	if err := s.adv.Start(); err != nil {
		return errors.Wrap(err, "can't advertise")
	}
	s.advertising = true
	return nil
}

// StopAdvertising stops host advertising
func (s *Stack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.advertising {
		return radio.ErrAlready
	}
	s.advertising = false
	return errors.Wrap(s.adv.Stop(), "can't stop advertising")
}

// ExchangeMTU reports success once connected. The host negotiates the MTU
// on its own.
func (s *Stack) ExchangeMTU(conn *radio.Conn, fn radio.MTUFunc) error {
	if fn == nil {
		return radio.ErrInvalid
	}
	if conn == nil || !conn.Connected() {
		return radio.ErrNotConnected
	}
	s.post(func() { fn(conn, 0) })
	return nil
}

// Notify writes payload to the value at handle; the host sends it to
// subscribed clients
func (s *Stack) Notify(conn *radio.Conn, handle uint16, payload []byte) error {
	s.mu.Lock()
	if conn == nil || s.pconn != conn {
		s.mu.Unlock()
		return radio.ErrNotConnected
	}
	char := s.chars[handle]
	s.mu.Unlock()

	if char == nil {
		return radio.ErrInvalid
	}
	if _, err := char.Write(payload); err != nil {
		return errors.Wrap(err, "can't notify")
	}
	return nil
}

// peripheralTeardown resets CCC state then reports the disconnect
func (s *Stack) peripheralTeardown(conn *radio.Conn, reason uint8) {
	s.mu.Lock()
	var resets []func()
	for ccc := range s.cccs {
		ccc := ccc
		if fn := s.cccChanged[ccc]; fn != nil {
			resets = append(resets, func() { fn(ccc, gatt.CCCDisabled) })
		}
	}
	s.mu.Unlock()

	for _, reset := range resets {
		reset()
	}
	conn.MarkDisconnected()
	s.dispatchDisconnected(conn, reason)
	conn.Unref()
}
