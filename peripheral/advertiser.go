package peripheral

import (
	"errors"
	"fmt"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/advertising"
)

// DefaultManufacturerData is the 4 byte manufacturer specific element
var DefaultManufacturerData = []byte{0x00, 0x00, 0x79, 0x23}

// Advertisement builds the advertising payload: flags, manufacturer data
// and the complete list of 128-bit service UUIDs.
func Advertisement(service, manufacturerData []byte) []advertising.ADStructure {
	ad := []advertising.ADStructure{
		advertising.NewFlagsAD(advertising.FlagLEGeneralDiscoverableMode | advertising.FlagBREDRNotSupported),
	}
	if len(manufacturerData) > 0 {
		ad = append(ad, advertising.NewManufacturerDataAD(manufacturerData))
	}
	return append(ad, advertising.NewComplete128BitServiceUUIDsAD(service))
}

// Advertiser owns the advertising lifecycle
type Advertiser struct {
	stack  radio.Peripheral
	params radio.AdvParams
	data   []advertising.ADStructure
}

// NewAdvertiser validates the payload against the legacy advertising limit
func NewAdvertiser(stack radio.Peripheral, params radio.AdvParams, data []advertising.ADStructure) (*Advertiser, error) {
	if _, err := advertising.EncodeADStructures(data); err != nil {
		return nil, fmt.Errorf("peripheral: %w", err)
	}
	return &Advertiser{stack: stack, params: params, data: data}, nil
}

// Start begins connectable advertising. Advertising that is already
// running counts as started.
func (a *Advertiser) Start() error {
	err := a.stack.StartAdvertising(a.params, a.data)
	if err != nil && !errors.Is(err, radio.ErrAlready) {
		logger.Error(prefix, "Advertising failed to start (err %v)", err)
		return fmt.Errorf("peripheral: start advertising: %w", err)
	}
	logger.Info(prefix, "Advertising successfully started")
	return nil
}
