package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	logger, err := New("debug", "claims-api")
	if err != nil {
		t.Fatal(err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug not enabled")
	}

	logger, err = New("", "claims-api")
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) || !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("default level is not info")
	}

	if _, err := New("loud", "claims-api"); err == nil {
		t.Error("invalid level accepted")
	}
}
