package logging

import "testing"

func TestNewLoggerAcceptsKnownLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "", "warn", "warning", "error", " Error "} {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("unexpected error for level %q: %v", level, err)
		}
		if logger == nil {
			t.Fatalf("expected a logger for level %q", level)
		}
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("loud"); err == nil {
		t.Fatalf("expected an error for an unknown level name")
	}
}
