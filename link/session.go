// Package link tracks the single active connection of a device: its
// lifecycle state, the held connection reference, security level, peer
// identity and the discovery generation.
package link

import (
	"github.com/google/uuid"

	"github.com/user/blepair/radio"
)

// Session is one connection attempt, from connect request or accept until
// disconnect. It owns one reference on its Conn while live.
type Session struct {
	ID uuid.UUID

	role       radio.Role
	peer       radio.Address
	identity   radio.Address
	conn       *radio.Conn
	state      State
	security   radio.SecurityLevel
	generation uint64
}

func newSession(role radio.Role, peer radio.Address) *Session {
	return &Session{
		ID:       uuid.New(),
		role:     role,
		peer:     peer,
		identity: peer,
		state:    StateIdle,
		security: radio.SecurityLow,
	}
}

func (s *Session) Role() radio.Role              { return s.role }
func (s *Session) Peer() radio.Address           { return s.peer }
func (s *Session) Identity() radio.Address       { return s.identity }
func (s *Session) Conn() *radio.Conn             { return s.conn }
func (s *Session) State() State                  { return s.state }
func (s *Session) Security() radio.SecurityLevel { return s.security }
func (s *Session) Generation() uint64            { return s.generation }

// Owns reports whether conn is this session's connection
func (s *Session) Owns(conn *radio.Conn) bool {
	return s != nil && conn != nil && s.conn == conn
}

// Current reports whether a result tagged with gen still belongs to this
// live session
func (s *Session) Current(gen uint64) bool {
	return s != nil && s.state.Live() && s.generation == gen
}

func (s *Session) shortID() string {
	return s.ID.String()[:8]
}
