package sim

import (
	"math"
	"math/rand"
	"time"

	"github.com/user/blepair/wire/att"
)

// Config controls how the simulated air behaves
type Config struct {
	// ATT MTU before and after an MTU exchange
	DefaultMTU int // 23, the LE minimum
	MaxMTU     int // 247

	// Fraction of connection attempts that fail with
	// "Connection Failed To Be Established"
	ConnectionFailureRate float64

	// Radio characteristics
	EnableRSSI   bool
	BaseRSSI     int // dBm at 1m
	RSSIVariance int // dBm
	Distance     float64

	// Deterministic mode for reproducible runs
	Deterministic bool
	Seed          int64
}

// DefaultConfig returns a lossy, noisy air
func DefaultConfig() *Config {
	return &Config{
		DefaultMTU:            23,
		MaxMTU:                247,
		ConnectionFailureRate: 0.016,
		EnableRSSI:            true,
		BaseRSSI:              -50,
		RSSIVariance:          10,
		Distance:              2,
	}
}

// PerfectConfig returns a deterministic air where every connection succeeds
func PerfectConfig() *Config {
	cfg := DefaultConfig()
	cfg.ConnectionFailureRate = 0
	cfg.EnableRSSI = false
	cfg.Deterministic = true
	return cfg
}

type simulator struct {
	config *Config
	rng    *rand.Rand
}

func newSimulator(config *Config) *simulator {
	if config == nil {
		config = PerfectConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &simulator{config: config, rng: rng}
}

func (s *simulator) connectionSucceeds() bool {
	return s.rng.Float64() >= s.config.ConnectionFailureRate
}

// rssi applies free space path loss and random interference
func (s *simulator) rssi() int8 {
	if !s.config.EnableRSSI {
		return int8(s.config.BaseRSSI)
	}

	distance := s.config.Distance
	if distance < 1 {
		distance = 1
	}
	rssi := float64(s.config.BaseRSSI) - 20*math.Log10(distance)
	if s.config.RSSIVariance > 0 {
		rssi += float64(s.rng.Intn(s.config.RSSIVariance*2) - s.config.RSSIVariance)
	}

	if rssi < -100 {
		rssi = -100
	} else if rssi > -20 {
		rssi = -20
	}
	return int8(rssi)
}

// negotiatedMTU applies the ATT exchange rule and clamps the result to the
// configured bounds
func (s *simulator) negotiatedMTU(client, server int) int {
	mtu := int(att.NegotiateMTU(uint16(client), uint16(server)))
	return min(max(mtu, s.config.DefaultMTU), s.config.MaxMTU)
}
