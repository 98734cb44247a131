package logger

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func captureOutput(t *testing.T, level LogLevel) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut := SetOutput(&buf)
	prevLevel := GetLevel()
	SetLevel(level)
	t.Cleanup(func() {
		SetOutput(prevOut)
		SetLevel(prevLevel)
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"trace", TRACE},
		{"DEBUG", DEBUG},
		{"Info", INFO},
		{"warn", WARN},
		{"error", ERROR},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, WARN)

	Debug("central", "hidden %d", 1)
	Info("central", "hidden too")
	Warn("central", "shown %d", 2)
	Error("", "bare")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected debug/info lines to be filtered, got %q", out)
	}
	if !strings.Contains(out, "[central WARN ] shown 2") {
		t.Errorf("Expected prefixed warn line, got %q", out)
	}
	if !strings.Contains(out, "[ERROR] bare") {
		t.Errorf("Expected unprefixed error line, got %q", out)
	}
}

func TestDebugJSONRecord(t *testing.T) {
	buf := captureOutput(t, DEBUG)

	rec := Record(map[string]interface{}{
		"handle": uint16(3),
		"values": []uint32{1, 2, 3},
	})
	DebugJSON("sink", "notification", rec)

	// protojson output is deliberately unstable in its spacing
	out := strings.ReplaceAll(buf.String(), " ", "")
	if !strings.Contains(out, `"handle":3`) {
		t.Errorf("Expected handle in JSON, got %q", out)
	}
	if !strings.Contains(out, `"values":[1,2,3]`) {
		t.Errorf("Expected values list in JSON, got %q", out)
	}
}

func TestConcurrentLoggingKeepsLinesWhole(t *testing.T) {
	buf := captureOutput(t, INFO)

	const goroutines, perGoroutine = 8, 50
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				Info("sink", "worker %d line %d", g, i)
			}
		}(g)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != goroutines*perGoroutine {
		t.Fatalf("Expected %d lines, got %d", goroutines*perGoroutine, len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[sink INFO ] worker ") {
			t.Fatalf("Interleaved line %q", line)
		}
	}
}
