//go:build linux || darwin || windows

package hosted

import (
	"bytes"
	"runtime"
	"testing"

	"tinygo.org/x/bluetooth"

	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/advertising"
	"github.com/user/blepair/wire/gatt"
)

var testService = []byte{0x00, 0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x99, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}

func TestUUIDByteOrder(t *testing.T) {
	u := toUUID(testService)
	if got := u.String(); got != "11223344-5566-7788-99aa-bbccddeeff00" {
		t.Errorf("Expected canonical form reversed from the air bytes, got %s", got)
	}
	if back := fromUUID(u); !bytes.Equal(back, testService) {
		t.Errorf("Expected %x, got %x", testService, back)
	}
	if got := toUUID(gatt.UUIDClientCharacteristicConfig); got != bluetooth.New16BitUUID(0x2902) {
		t.Errorf("Expected 0x2902, got %s", got)
	}
}

func TestAdvertisementOptions(t *testing.T) {
	data := []advertising.ADStructure{
		advertising.NewFlagsAD(advertising.FlagLEGeneralDiscoverableMode | advertising.FlagBREDRNotSupported),
		advertising.NewManufacturerDataAD([]byte{0x00, 0x00, 0x79, 0x23}),
		advertising.NewComplete128BitServiceUUIDsAD(testService),
	}
	opts, err := advertisementOptions(radio.DefaultAdvParams(), data)
	if err != nil {
		t.Fatalf("advertisementOptions failed: %v", err)
	}
	if len(opts.ServiceUUIDs) != 1 || opts.ServiceUUIDs[0] != toUUID(testService) {
		t.Errorf("Unexpected service UUIDs %v", opts.ServiceUUIDs)
	}
	if len(opts.ManufacturerData) != 1 || opts.ManufacturerData[0].CompanyID != 0 ||
		!bytes.Equal(opts.ManufacturerData[0].Data, []byte{0x79, 0x23}) {
		t.Errorf("Unexpected manufacturer data %+v", opts.ManufacturerData)
	}
}

type fakePayload struct {
	raw      []byte
	name     string
	services []bluetooth.UUID
	mfg      []bluetooth.ManufacturerDataElement
}

func (p fakePayload) Bytes() []byte     { return p.raw }
func (p fakePayload) LocalName() string { return p.name }
func (p fakePayload) ManufacturerData() []bluetooth.ManufacturerDataElement {
	return p.mfg
}
func (p fakePayload) HasServiceUUID(u bluetooth.UUID) bool {
	for _, s := range p.services {
		if s == u {
			return true
		}
	}
	return false
}

func TestReportDataPrefersRawBytes(t *testing.T) {
	raw := []byte{0x02, 0x01, 0x06}
	if got := reportData(fakePayload{raw: raw}, [][]byte{testService}); !bytes.Equal(got, raw) {
		t.Errorf("Expected raw bytes, got %x", got)
	}
}

func TestReportDataRebuildsProbedServices(t *testing.T) {
	p := fakePayload{
		services: []bluetooth.UUID{toUUID(testService)},
		mfg:      []bluetooth.ManufacturerDataElement{{CompanyID: 0, Data: []byte{0x79, 0x23}}},
	}
	structures, err := advertising.DecodeADStructures(reportData(p, [][]byte{testService}))
	if err != nil {
		t.Fatalf("DecodeADStructures failed: %v", err)
	}
	if len(structures) != 2 || !structures[0].IsUUID128List() || !bytes.Equal(structures[0].Data, testService) {
		t.Errorf("Expected the probed UUID first, got %+v", structures)
	}

	if got := reportData(fakePayload{}, [][]byte{testService}); got != nil {
		t.Errorf("Expected no data for an empty report, got %x", got)
	}
}

func TestFromAddress(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("CoreBluetooth addresses are identifiers")
	}
	var mac bluetooth.Address
	mac.Set("AA:BB:CC:DD:EE:FF")
	if got := fromAddress(mac); got.String() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected MAC to round trip, got %s", got)
	}
}

func TestAttrTableLayout(t *testing.T) {
	table := newAttrTable()
	svc := table.addService(testService, bluetooth.DeviceService{})
	if again := table.addService(testService, bluetooth.DeviceService{}); again != svc {
		t.Error("Expected the same entry for a rediscovered service")
	}
	svc.addChars([][]byte{testService, testService}, nil)

	primary := table.find(&radio.DiscoverParams{Type: radio.DiscoverPrimary, UUID: testService, StartHandle: 1, EndHandle: 0xFFFF})
	if len(primary) != 1 || primary[0].Handle != 1 || primary[0].EndHandle != serviceSpan {
		t.Fatalf("Unexpected primary results %+v", primary)
	}

	chars := table.find(&radio.DiscoverParams{Type: radio.DiscoverCharacteristic, StartHandle: 2, EndHandle: 0xFFFF})
	if len(chars) != 2 || chars[0].Handle != 2 || chars[0].ValueHandle != 3 || chars[1].Handle != 5 {
		t.Fatalf("Unexpected characteristic results %+v", chars)
	}

	cccs := table.find(&radio.DiscoverParams{
		Type: radio.DiscoverDescriptor, UUID: gatt.UUIDClientCharacteristicConfig, StartHandle: 4, EndHandle: 0xFFFF,
	})
	if len(cccs) != 2 || cccs[0].Handle != 4 || cccs[1].Handle != 7 {
		t.Errorf("Unexpected descriptor results %+v", cccs)
	}
	if c := table.charByValue(6); c == nil || c.ccc != 7 {
		t.Errorf("Expected characteristic with value 6, got %+v", c)
	}
}
