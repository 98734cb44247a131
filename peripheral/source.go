package peripheral

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/gatt"
)

const (
	// PayloadValues is the number of uint32 values per notification
	PayloadValues = 3
	// PayloadSize is the fixed notification length in bytes
	PayloadSize = PayloadValues * 4
)

// Notifier sends a notification from a value attribute
type Notifier interface {
	Notify(conn *radio.Conn, handle uint16, payload []byte) error
}

// Source produces the periodic counter notifications. The notify-enable
// flag is written by CCC callbacks and read by the tick loop.
type Source struct {
	notifier    Notifier
	valueHandle atomic.Uint32
	enabled     atomic.Bool

	mu      sync.Mutex
	buf     [PayloadSize]byte
	counter uint32
}

// NewSource creates a disabled source sending through n
func NewSource(n Notifier) *Source {
	return &Source{notifier: n}
}

// SetValueHandle sets the characteristic value attribute notified from
func (s *Source) SetValueHandle(handle uint16) {
	s.valueHandle.Store(uint32(handle))
}

// CCCChanged follows the client's CCC writes: notify enables, anything
// else disables.
func (s *Source) CCCChanged(_ uint16, value uint16) {
	on := value == gatt.CCCNotify
	s.enabled.Store(on)
	if on {
		logger.Info("peripheral source", "Notifications enabled")
	} else {
		logger.Info("peripheral source", "Notifications disabled (ccc 0x%04X)", value)
	}
}

// Enabled reports the notify-enable flag
func (s *Source) Enabled() bool {
	return s.enabled.Load()
}

// Counter returns the last value written to the payload
func (s *Source) Counter() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Notify sends payload zero-padded to PayloadSize. It returns nil without
// sending when conn is nil, notifications are disabled or payload exceeds
// PayloadSize.
func (s *Source) Notify(conn *radio.Conn, payload []byte) error {
	if conn == nil || !s.enabled.Load() || len(payload) > PayloadSize {
		return nil
	}
	var out [PayloadSize]byte
	copy(out[:], payload)
	return s.notifier.Notify(conn, uint16(s.valueHandle.Load()), out[:])
}

// Tick regenerates the payload as [n, n+1, n+2] with n incremented by one
// and notifies it. It does nothing and returns false while conn is nil or
// notifications are disabled.
func (s *Source) Tick(conn *radio.Conn) (bool, error) {
	if conn == nil || !s.enabled.Load() {
		return false, nil
	}

	s.mu.Lock()
	s.counter++
	n := s.counter
	for i := 0; i < PayloadValues; i++ {
		binary.LittleEndian.PutUint32(s.buf[i*4:], n+uint32(i))
	}
	payload := s.buf
	s.mu.Unlock()

	logger.Debug("peripheral source", "counter: %d", n)
	return true, s.Notify(conn, payload[:])
}
