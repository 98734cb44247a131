//go:build linux || darwin || windows

package hosted

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/advertising"
)

// toUUID converts transmitted-order UUID bytes to the host stack's UUID.
// The host stack takes canonical (big-endian) order.
func toUUID(b []byte) bluetooth.UUID {
	if len(b) == 2 {
		return bluetooth.New16BitUUID(binary.LittleEndian.Uint16(b))
	}
	var be [16]byte
	for i := 0; i < 16 && i < len(b); i++ {
		be[15-i] = b[i]
	}
	return bluetooth.NewUUID(be)
}

// fromUUID converts a host stack UUID back to transmitted-order bytes
func fromUUID(u bluetooth.UUID) []byte {
	parsed, err := uuid.Parse(u.String())
	if err != nil {
		return nil
	}
	b := make([]byte, 16)
	for i := range b {
		b[i] = parsed[15-i]
	}
	return b
}

// fromAddress maps a host address to a radio address. Hosts that expose
// opaque identifiers instead of MACs (CoreBluetooth) get a stable address
// derived from the identifier.
func fromAddress(a bluetooth.Address) radio.Address {
	s := a.String()
	if addr, err := radio.ParseAddress(s); err == nil {
		return addr
	}
	derived := uuid.NewSHA1(uuid.NameSpaceOID, []byte(s))
	var addr radio.Address
	copy(addr.MAC[:], derived[:6])
	addr.Random = true
	return addr
}

// advInterval converts 0.625ms advertising units to the host duration
func advInterval(units uint16) bluetooth.Duration {
	return bluetooth.NewDuration(time.Duration(units) * 625 * time.Microsecond)
}

// advertisementOptions translates AD structures to host advertising
// options. Flags are always set by the host.
func advertisementOptions(params radio.AdvParams, data []advertising.ADStructure) (bluetooth.AdvertisementOptions, error) {
	opts := bluetooth.AdvertisementOptions{Interval: advInterval(params.IntervalMin)}
	for _, s := range data {
		switch {
		case s.IsUUID128List():
			uuids, err := s.UUID128s()
			if err != nil {
				return opts, err
			}
			for _, u := range uuids {
				opts.ServiceUUIDs = append(opts.ServiceUUIDs, toUUID(u))
			}
		case s.Type == advertising.ADTypeManufacturerSpecificData && len(s.Data) >= 2:
			opts.ManufacturerData = append(opts.ManufacturerData, bluetooth.ManufacturerDataElement{
				CompanyID: binary.LittleEndian.Uint16(s.Data[:2]),
				Data:      append([]byte{}, s.Data[2:]...),
			})
		case s.Type == advertising.ADTypeCompleteLocalName || s.Type == advertising.ADTypeShortenedLocalName:
			opts.LocalName = string(s.Data)
		}
	}
	return opts, nil
}

// scanPayload is the part of a host scan result used to rebuild AD data
type scanPayload interface {
	Bytes() []byte
	LocalName() string
	HasServiceUUID(bluetooth.UUID) bool
	ManufacturerData() []bluetooth.ManufacturerDataElement
}

// reportData returns the raw advertising data of a scan result. Hosts that
// only expose parsed fields get AD data rebuilt from them, listing the
// probed service UUIDs the result advertises.
func reportData(p scanPayload, probes [][]byte) []byte {
	if raw := p.Bytes(); len(raw) > 0 {
		return raw
	}

	var matched [][]byte
	for _, svc := range probes {
		if p.HasServiceUUID(toUUID(svc)) {
			matched = append(matched, svc)
		}
	}

	var ad []advertising.ADStructure
	if len(matched) > 0 {
		ad = append(ad, advertising.NewComplete128BitServiceUUIDsAD(matched...))
	}
	for _, m := range p.ManufacturerData() {
		data := binary.LittleEndian.AppendUint16(nil, m.CompanyID)
		ad = append(ad, advertising.NewManufacturerDataAD(append(data, m.Data...)))
	}
	if name := p.LocalName(); name != "" {
		ad = append(ad, advertising.NewCompleteLocalNameAD(name))
	}

	for len(ad) > 0 {
		if raw, err := advertising.EncodeADStructures(ad); err == nil {
			return raw
		}
		ad = ad[:len(ad)-1]
	}
	return nil
}
