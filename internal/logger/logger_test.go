package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLevelOverride(t *testing.T) {
	l, err := New(Config{Development: true, Level: "warn"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	core := l.Desugar().Core()
	if core.Enabled(zapcore.DebugLevel) {
		t.Fatal("debug should be disabled at warn level")
	}
	if !core.Enabled(zapcore.WarnLevel) {
		t.Fatal("warn should be enabled")
	}
}
