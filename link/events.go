package link

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/blepair/logger"
)

// Event is one JSONL lifecycle record
type Event struct {
	Timestamp  int64             `json:"timestamp"` // nanoseconds since epoch
	Event      string            `json:"event"`     // transition, connect_failed, security_changed, identity_resolved, rediscover
	Role       string            `json:"role"`
	Session    string            `json:"session,omitempty"`
	Peer       string            `json:"peer,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Generation uint64            `json:"generation,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// EventLog appends lifecycle events to a JSONL file. A nil or disabled log
// drops events.
type EventLog struct {
	path    string
	mu      sync.Mutex
	enabled bool
}

// NewEventLog creates a log writing to path. An empty path disables it.
func NewEventLog(path string) *EventLog {
	if path == "" {
		return &EventLog{}
	}
	return &EventLog{path: path, enabled: true}
}

// Path returns the log file path
func (l *EventLog) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Log appends one event
func (l *EventLog) Log(event Event) {
	if l == nil || !l.enabled {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		logger.Warn("link", "Failed to create event log directory: %v", err)
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Warn("link", "Failed to open event log: %v", err)
		return
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(event); err != nil {
		logger.Warn("link", "Failed to write event: %v", err)
	}
}

// ReadEvents loads every event in a JSONL log
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}
