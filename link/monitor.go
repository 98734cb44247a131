package link

import (
	"errors"
	"fmt"

	"github.com/user/blepair/logger"
	"github.com/user/blepair/radio"
)

// ErrBusy is returned when the connection slot already holds a session
var ErrBusy = errors.New("link: connection slot in use")

// Monitor owns the single connection slot of one role. It is driven from
// stack callbacks and is not safe for concurrent use.
type Monitor struct {
	role    radio.Role
	prefix  string
	log     *EventLog
	session *Session
	gen     uint64
}

// NewMonitor creates an idle monitor. log may be nil.
func NewMonitor(role radio.Role, log *EventLog) *Monitor {
	return &Monitor{
		role:   role,
		prefix: role.String() + " link",
		log:    log,
	}
}

// Session returns the live session or nil
func (m *Monitor) Session() *Session {
	return m.session
}

// Busy reports whether the slot is taken
func (m *Monitor) Busy() bool {
	return m.session != nil
}

// Begin claims the slot for an outgoing connection to peer
func (m *Monitor) Begin(peer radio.Address) (*Session, error) {
	if m.session != nil {
		return nil, ErrBusy
	}
	s := newSession(m.role, peer)
	m.session = s
	m.transition(s, StateConnecting, "")
	return s, nil
}

// Hold stores the connection reference returned by a connect request.
// Ownership of the reference moves to the session.
func (m *Monitor) Hold(s *Session, conn *radio.Conn) {
	s.conn = conn
}

// Abort releases a session whose connect request failed before any
// callback
func (m *Monitor) Abort(s *Session, cause error) {
	if m.session != s {
		return
	}
	m.log.Log(Event{
		Event:   "connect_failed",
		Role:    m.role.String(),
		Session: s.ID.String(),
		Peer:    s.peer.String(),
		Reason:  cause.Error(),
	})
	m.release(s, StateIdle, "")
}

// Accept claims the slot for an incoming connection, taking a reference
// on conn
func (m *Monitor) Accept(conn *radio.Conn) (*Session, error) {
	if m.session != nil {
		return nil, ErrBusy
	}
	s := newSession(m.role, conn.Peer())
	s.conn = conn.Ref()
	s.security = conn.Security()
	m.session = s
	m.transition(s, StateConnected, "")
	return s, nil
}

// Connected handles the connected callback for an outgoing connection. It
// returns the session and whether the link is up. A non-zero err releases
// the session.
func (m *Monitor) Connected(conn *radio.Conn, err uint8) (*Session, bool) {
	s := m.session
	if !s.Owns(conn) {
		return nil, false
	}
	if err != 0 {
		m.log.Log(Event{
			Event:   "connect_failed",
			Role:    m.role.String(),
			Session: s.ID.String(),
			Peer:    s.peer.String(),
			Reason:  radio.ReasonName(err),
		})
		m.release(s, StateIdle, radio.ReasonName(err))
		return s, false
	}
	s.security = conn.Security()
	m.transition(s, StateConnected, "")
	return s, true
}

// Disconnected ends the session owning conn and frees the slot. It returns
// nil when conn is not the monitored connection.
func (m *Monitor) Disconnected(conn *radio.Conn, reason uint8) *Session {
	s := m.session
	if !s.Owns(conn) {
		return nil
	}
	m.transition(s, StateDisconnected, radio.ReasonName(reason))
	m.release(s, StateIdle, "")
	return s
}

// SecurityChanged records the new level of the session owning conn
func (m *Monitor) SecurityChanged(conn *radio.Conn, level radio.SecurityLevel, err uint8) *Session {
	s := m.session
	if !s.Owns(conn) {
		return nil
	}
	ev := Event{
		Event:   "security_changed",
		Role:    m.role.String(),
		Session: s.ID.String(),
		Peer:    s.peer.String(),
		Details: map[string]string{"level": level.String()},
	}
	if err != 0 {
		ev.Reason = fmt.Sprintf("0x%02X", err)
		logger.Warn(m.prefix, "Security failed: level %s err %d", level, err)
	} else {
		s.security = level
		logger.Info(m.prefix, "Security changed: %s level %s", s.peer, level)
	}
	m.log.Log(ev)
	return s
}

// IdentityResolved records the stable identity of the session's peer
func (m *Monitor) IdentityResolved(conn *radio.Conn, rpa, identity radio.Address) *Session {
	s := m.session
	if !s.Owns(conn) {
		return nil
	}
	s.identity = identity
	logger.Info(m.prefix, "Identity resolved %s -> %s", rpa, identity)
	m.log.Log(Event{
		Event:   "identity_resolved",
		Role:    m.role.String(),
		Session: s.ID.String(),
		Peer:    rpa.String(),
		Details: map[string]string{"identity": identity.String()},
	})
	return s
}

// NewGeneration stamps s with a generation number never used before by
// this monitor. Results tagged with an older generation are stale.
func (m *Monitor) NewGeneration(s *Session) uint64 {
	m.gen++
	s.generation = m.gen
	m.log.Log(Event{
		Event:      "generation",
		Role:       m.role.String(),
		Session:    s.ID.String(),
		Generation: s.generation,
	})
	return s.generation
}

// Transition moves s to state. Moving to the current state is a no-op.
func (m *Monitor) Transition(s *Session, to State) error {
	if s != m.session {
		return fmt.Errorf("link: session %s is not active", s.shortID())
	}
	if s.state == to {
		return nil
	}
	if !CanTransition(s.state, to) {
		return fmt.Errorf("link: invalid transition %s -> %s", s.state, to)
	}
	m.transition(s, to, "")
	return nil
}

func (m *Monitor) transition(s *Session, to State, reason string) {
	from := s.state
	s.state = to

	logger.Debug(m.prefix, "%s: %s -> %s", s.shortID(), from, to)
	logger.DebugJSON(m.prefix, "transition", logger.Record(map[string]interface{}{
		"session":    s.ID.String(),
		"peer":       s.peer,
		"from":       from,
		"to":         to,
		"generation": s.generation,
	}))
	m.log.Log(Event{
		Event:      "transition",
		Role:       m.role.String(),
		Session:    s.ID.String(),
		Peer:       s.peer.String(),
		From:       from.String(),
		To:         to.String(),
		Generation: s.generation,
		Reason:     reason,
	})
}

// release drops the held reference and frees the slot
func (m *Monitor) release(s *Session, final State, reason string) {
	if s.conn != nil {
		s.conn.Unref()
		s.conn = nil
	}
	m.transition(s, final, reason)
	if m.session == s {
		m.session = nil
	}
}
