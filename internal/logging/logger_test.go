package logging

import "testing"

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		logger, err := NewLogger("test", level)
		if err != nil {
			t.Fatalf("level %q: %v", level, err)
		}
		_ = logger.Sync()
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("test", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
