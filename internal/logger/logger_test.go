package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		info  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"error", false, false},
		{"bogus", false, true},
		{"", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			for _, format := range []string{"json", "console"} {
				log := New(Config{Level: tt.level, Format: format})
				assert.Equal(t, tt.debug, log.Core().Enabled(zapcore.DebugLevel))
				assert.Equal(t, tt.info, log.Core().Enabled(zapcore.InfoLevel))
			}
		})
	}
}

func TestNew_Output(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})
	log.Info("split organized")
	assert.Contains(t, buf.String(), `"msg":"split organized"`)
}
