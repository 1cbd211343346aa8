package tcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLifecycleLevel(t *testing.T) {
	for _, lvl := range []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel} {
		core, _ := observer.New(lvl)
		assert.Equal(t, lvl, lifecycleLevel(core), lvl.String())
	}
	core, _ := observer.New(zapcore.FatalLevel)
	assert.Equal(t, zapcore.ErrorLevel, lifecycleLevel(core))
}
