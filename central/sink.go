package central

import (
	"encoding/binary"
	"sync"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
)

// ElementSize is the byte width of one notification value
const ElementSize = 4

// Decode splits a notification payload into little-endian uint32 values.
// Trailing bytes short of a whole element are dropped.
func Decode(data []byte) []uint32 {
	values := make([]uint32, len(data)/ElementSize)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(data[i*ElementSize:])
	}
	return values
}

// Sink consumes notification payloads in delivery order
type Sink struct {
	mu       sync.Mutex
	handler  func(values []uint32)
	received uint64
}

// NewSink creates a sink passing decoded values to handler, which may be nil
func NewSink(handler func(values []uint32)) *Sink {
	return &Sink{handler: handler}
}

// Received returns the number of payloads handled
func (s *Sink) Received() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Handle decodes one payload and passes it on. Nothing is kept after the
// call returns.
func (s *Sink) Handle(data []byte) radio.IterAction {
	if len(data)%ElementSize != 0 {
		logger.Warn("central sink", "Payload length %d is not a multiple of %d", len(data), ElementSize)
	}
	values := Decode(data)

	s.mu.Lock()
	s.received++
	handler := s.handler
	s.mu.Unlock()

	logger.Info("central sink", "[NOTIFICATION] length: %d, data: %v", len(data), values)
	logger.DebugJSON("central sink", "notification", logger.Record(map[string]interface{}{
		"length": len(data),
		"values": values,
	}))

	if handler != nil {
		handler(values)
	}
	return radio.IterContinue
}
