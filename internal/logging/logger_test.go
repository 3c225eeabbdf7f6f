package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestLoggerInitialization(t *testing.T) {
	if GetLogger() == nil {
		t.Fatal("Logger is not initialized")
	}
	if GetSugar() == nil {
		t.Fatal("Sugared logger is not initialized")
	}
	if err := InitError(); err != nil {
		t.Fatalf("Logger initialization failed: %v", err)
	}
}

func TestInfoLogging(t *testing.T) {
	// Should not panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Info logging panicked: %v", r)
		}
	}()

	Info("test message", zap.String("key", "value"))
}

func TestWarnLogging(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Warn logging panicked: %v", r)
		}
	}()

	Warn("test warning", zap.String("key", "value"))
}

func TestErrorLogging(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Error logging panicked: %v", r)
		}
	}()

	Error("test error", zap.String("key", "value"))
}

func TestDebugLogging(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Debug logging panicked: %v", r)
		}
	}()

	Debug("test debug", zap.String("key", "value"))
}

func TestSetLevel(t *testing.T) {
	defer SetLevel(0)

	SetLevel(1)
	if !GetLogger().Core().Enabled(zap.DebugLevel) {
		t.Error("verbosity 1 should enable debug logging")
	}

	SetLevel(0)
	if GetLogger().Core().Enabled(zap.DebugLevel) {
		t.Error("verbosity 0 should disable debug logging")
	}
}

func TestSync(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("Sync panicked: %v", r)
		}
	}()

	Sync()
}
