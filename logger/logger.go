package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Radio callbacks, raw advertisement elements
	DEBUG                 // Discovery steps, notification payloads
	INFO                  // Connections, subscriptions, advertising state
	WARN                  // Radio command failures that abandon one operation
	ERROR                 // Failures that leave a role idle
)

var (
	currentLevel LogLevel  = INFO
	output       io.Writer = os.Stdout
	mu           sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects log lines, returning the previous writer.
func SetOutput(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	prev := output
	output = w
	return prev
}

// ParseLevel converts a string to a LogLevel. Unknown names map to INFO.
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO "
	case WARN:
		return "WARN "
	case ERROR:
		return "ERROR"
	}
	return "?????"
}

// log serializes writes to output
func log(level LogLevel, prefix, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}
	msg := fmt.Sprintf(format, args...)

	mu.Lock()
	defer mu.Unlock()
	if prefix != "" {
		fmt.Fprintf(output, "[%s %s] %s\n", prefix, level, msg)
	} else {
		fmt.Fprintf(output, "[%s] %s\n", level, msg)
	}
}

// Trace logs a trace message (radio callbacks, raw elements)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (high-level events)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// Record builds a protobuf Struct from plain fields so it can be logged with
// DebugJSON. Stringers are stored as their string form.
func Record(fields map[string]interface{}) *structpb.Struct {
	clean := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case uint8:
			clean[k] = uint32(val)
		case uint16:
			clean[k] = uint32(val)
		case []uint32:
			list := make([]interface{}, len(val))
			for i, n := range val {
				list[i] = n
			}
			clean[k] = list
		case fmt.Stringer:
			clean[k] = val.String()
		default:
			clean[k] = v
		}
	}
	s, err := structpb.NewStruct(clean)
	if err != nil {
		s, _ = structpb.NewStruct(map[string]interface{}{"error": err.Error()})
	}
	return s
}

// ToJSON converts any value to a JSON string for logging
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline:       false,
			EmitUnpopulated: false,
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s: %s", label, ToJSON(v))
}
