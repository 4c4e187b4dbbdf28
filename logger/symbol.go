package logger

import (
	"go.uber.org/zap"

	"github.com/teranos/postpulse/sym"
)

// Symbol-aware logging helpers. The symbol is a structured field, not part
// of the message, so logs stay queryable by segment.
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)
//	t.pulseLog.Infow("Ticker started", "interval", interval)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddRunSymbol wraps a logger with the Run symbol (⟶)
func AddRunSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Run)
}

// AddWatchdogSymbol wraps a logger with the Watchdog symbol (⧗)
func AddWatchdogSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Watchdog)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// PulseInfow logs an info message on the global logger with the Pulse symbol (꩜)
func PulseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Pulse}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// PulseWarnw logs a warning on the global logger with the Pulse symbol (꩜)
func PulseWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Pulse}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// DBInfow logs an info message on the global logger with the DB symbol (⊔)
func DBInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.DB}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}
