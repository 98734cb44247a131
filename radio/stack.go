// Package radio defines the event-driven host stack contract used by the
// central and peripheral roles.
//
// Stacks invoke every callback on a single service context and never run
// two callbacks concurrently. Commands may be issued from inside a callback;
// their results arrive as later callbacks.
package radio

import (
	"github.com/user/blepair/wire/advertising"
	"github.com/user/blepair/wire/gatt"
)

// Central is the GATT client and scanner half of a host stack
type Central interface {
	RegisterConnCallbacks(cb ConnCallbacks)

	StartScan(mode ScanMode, fn DeviceFoundFunc) error
	StopScan() error
	Connect(addr Address, params ConnParams) (*Conn, error)

	// Discover delivers results to params.Func. params must stay valid
	// until the nil-attribute callback or IterStop.
	Discover(conn *Conn, params *DiscoverParams) error

	// Subscribe writes the CCC and routes notifications to params.Notify.
	// ErrAlready is returned when params is already subscribed.
	Subscribe(conn *Conn, params *SubscribeParams) error
	Unsubscribe(conn *Conn, params *SubscribeParams) error

	Disconnect(conn *Conn, reason uint8) error
}

// Peripheral is the GATT server and advertiser half of a host stack
type Peripheral interface {
	RegisterConnCallbacks(cb ConnCallbacks)

	AddService(svc gatt.Service, cccChanged CCCChangedFunc) (*gatt.ServiceHandles, error)
	StartAdvertising(params AdvParams, data []advertising.ADStructure) error
	StopAdvertising() error

	ExchangeMTU(conn *Conn, fn MTUFunc) error
	RequestSecurity(conn *Conn, level SecurityLevel) error

	// Notify sends payload from the value attribute at handle. The stack
	// copies payload before returning.
	Notify(conn *Conn, handle uint16, payload []byte) error

	Disconnect(conn *Conn, reason uint8) error
}

// Stack is a host stack able to play both roles
type Stack interface {
	Central
	Peripheral
}
