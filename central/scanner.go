package central

import (
	"bytes"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
	"github.com/user/blepair/wire/advertising"
)

// Scanner filters advertising reports for a target 128-bit service UUID
type Scanner struct {
	target []byte
	prefix string
}

// NewScanner creates a filter matching service, a 16 byte UUID
func NewScanner(service []byte) *Scanner {
	return &Scanner{target: service, prefix: "central scan"}
}

// Match reports whether a report is connectable and lists the target
// service. Malformed UUID elements are reported and skipped.
func (s *Scanner) Match(addr radio.Address, rssi int8, advType uint8, ad []byte) bool {
	logger.Debug(s.prefix, "[DEVICE]: %s, AD evt type %d, AD data len %d, RSSI %d",
		addr, advType, len(ad), rssi)

	if advType != advertising.PDUTypeAdvInd && advType != advertising.PDUTypeAdvDirectInd {
		logger.Trace(s.prefix, "Ignoring %s from %s", advertising.PDUTypeName(advType), addr)
		return false
	}

	matched := false
	err := advertising.Parse(ad, func(el advertising.ADStructure) bool {
		if !el.IsUUID128List() {
			return true
		}
		uuids, err := el.UUID128s()
		if err != nil {
			logger.Warn(s.prefix, "AD malformed from %s: %s length %d", addr, advertising.ADTypeName(el.Type), len(el.Data))
			return true
		}
		for _, u := range uuids {
			if bytes.Equal(u, s.target) {
				matched = true
				return false
			}
		}
		return true
	})
	if err != nil && !matched {
		logger.Debug(s.prefix, "AD parse stopped for %s: %v", addr, err)
	}
	return matched
}
