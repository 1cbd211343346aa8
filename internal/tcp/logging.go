package tcp

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// lifecycleLevel picks the most verbose level the core has enabled, so
// connection lifecycle lines show up at whatever verbosity the node runs.
func lifecycleLevel(core zapcore.Core) zapcore.Level {
	for _, lvl := range []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel} {
		if core.Enabled(lvl) {
			return lvl
		}
	}
	return zapcore.ErrorLevel
}

func (t *Tcp) logLifecycle(msg string, fields ...zap.Field) {
	if ce := t.logger.Check(t.level, msg); ce != nil {
		ce.Write(fields...)
	}
}
