package utils

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name     string
		debug    bool
		level    string
		enabled  zapcore.Level
		disabled zapcore.Level
		wantErr  bool
	}{
		{name: "debug config logs debug", debug: true, enabled: zap.DebugLevel, disabled: zapcore.InvalidLevel},
		{name: "production config starts at info", enabled: zap.InfoLevel, disabled: zap.DebugLevel},
		{name: "server warns only", level: "warn", enabled: zap.WarnLevel, disabled: zap.InfoLevel},
		{name: "level overrides debug", debug: true, level: "error", enabled: zap.ErrorLevel, disabled: zap.WarnLevel},
		{name: "unknown level", level: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.debug, tt.level)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = logger.Sync() }()
			if !logger.Core().Enabled(tt.enabled) {
				t.Errorf("%s should be enabled", tt.enabled)
			}
			if tt.disabled != zapcore.InvalidLevel && logger.Core().Enabled(tt.disabled) {
				t.Errorf("%s should be disabled", tt.disabled)
			}
		})
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
	l := zap.NewExample()
	if OrNop(l) != l {
		t.Error("OrNop should return a non-nil logger unchanged")
	}
}
