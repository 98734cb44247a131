package sim

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/att"
	"github.com/user/blepair/wire/gatt"
	"github.com/user/blepair/wire/l2cap"
)

// frame encodes an ATT PDU as it travels over the link
func frame(pdu interface{}) ([]byte, error) {
	raw, err := att.Encode(pdu)
	if err != nil {
		return nil, err
	}
	return l2cap.ATT(raw), nil
}

// unframe decodes a frame received from the link
func unframe(data []byte) (interface{}, error) {
	raw, err := l2cap.UnwrapATT(data)
	if err != nil {
		return nil, err
	}
	return att.Decode(raw)
}

// serveLocked runs one ATT request against d's server. after, when not
// nil, must be called once a.mu is released. The caller holds a.mu.
func (d *Device) serveLocked(l *link, req []byte) (rsp []byte, after func()) {
	pdu, err := unframe(req)
	if err != nil {
		logger.Warn("sim", "server %s dropped request: %v", d.addr, err)
		attErr := &att.Error{Code: att.ErrInvalidPDU}
		errors.As(err, &attErr)
		rsp, _ = frame(attErr)
		return rsp, nil
	}

	switch p := pdu.(type) {
	case *att.ExchangeMTU:
		rsp, _ = frame(&att.ExchangeMTU{Response: true, RxMTU: uint16(d.maxMTU)})
	case *att.Write:
		rsp, after = d.writeLocked(l, p)
	default:
		rsp, _ = frame(&att.Error{RequestOpcode: req[l2cap.HeaderLen], Code: att.ErrRequestNotSupported})
	}
	return rsp, after
}

// writeLocked handles a write. Only CCC descriptors are writable.
func (d *Device) writeLocked(l *link, w *att.Write) ([]byte, func()) {
	fail := func(code uint8) ([]byte, func()) {
		rsp, _ := frame(&att.Error{RequestOpcode: att.OpWriteRequest, Handle: w.Handle, Code: code})
		return rsp, nil
	}

	attr, err := d.db.GetAttribute(w.Handle)
	if err != nil {
		return fail(att.ErrInvalidHandle)
	}
	if !bytes.Equal(attr.Type, gatt.UUIDClientCharacteristicConfig) {
		return fail(att.ErrWriteNotPermitted)
	}
	value, err := gatt.DecodeCCCValue(w.Value)
	if err != nil {
		return fail(att.ErrInvalidAttributeValueLength)
	}

	var after func()
	if d.ccc.Set(l.id, w.Handle, value) {
		if fn := d.cccChanged[w.Handle]; fn != nil {
			after = func() { fn(w.Handle, value) }
		}
	}
	rsp, _ := frame(&att.WriteResponse{})
	return rsp, after
}

// request sends pdu to the server side of l and decodes the response.
// The caller must not hold a.mu.
func (a *Air) request(l *link, server *Device, pdu interface{}) (interface{}, error) {
	req, err := frame(pdu)
	if err != nil {
		return nil, err
	}

	client := l.central
	if server == l.central {
		client = l.peripheral
	}

	a.mu.Lock()
	if !l.up {
		a.mu.Unlock()
		return nil, radio.ErrNotConnected
	}
	rsp, after := server.serveLocked(l, req)
	tracer := a.tracer
	a.mu.Unlock()

	tracer.Frame(l.id, client.addr.String(), server.addr.String(), req)
	tracer.Frame(l.id, server.addr.String(), client.addr.String(), rsp)

	if after != nil {
		after()
	}
	out, err := unframe(rsp)
	if err != nil {
		return nil, err
	}
	if e, ok := out.(*att.Error); ok {
		return nil, e
	}
	return out, nil
}

// writeCCC writes a CCC value from the central to the peripheral
func (a *Air) writeCCC(l *link, handle, value uint16) {
	_, err := a.request(l, l.peripheral, &att.Write{Handle: handle, Value: gatt.EncodeCCCValue(value)})
	if err != nil && !errors.Is(err, radio.ErrNotConnected) {
		logger.Warn("sim", "CCC write to 0x%04X failed: %v", handle, err)
	}
}

// exchangeMTU runs the MTU exchange initiated by from
func (a *Air) exchangeMTU(l *link, from *Device) error {
	server := l.peripheral
	if from == l.peripheral {
		server = l.central
	}
	rsp, err := a.request(l, server, &att.ExchangeMTU{RxMTU: uint16(from.maxMTU)})
	if err != nil {
		return err
	}
	mtu, ok := rsp.(*att.ExchangeMTU)
	if !ok || !mtu.Response {
		return fmt.Errorf("sim: unexpected MTU response %T", rsp)
	}

	a.mu.Lock()
	l.mtu = a.sim.negotiatedMTU(from.maxMTU, int(mtu.RxMTU))
	a.mu.Unlock()
	return nil
}
