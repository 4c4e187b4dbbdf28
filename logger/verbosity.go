package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels counted from repeated -v flags.
const (
	VerbosityUser  = 0 // results and errors only
	VerbosityInfo  = 1 // -v: + ticker and worker activity
	VerbosityDebug = 2 // -vv: + claims, backoff, SQL-level detail
)

// VerbosityToLevel maps a -v count to a zap level.
//
//	0 (none) -> InfoLevel for the daemon, since run activity is the output
//	1 (-v)   -> InfoLevel
//	2+       -> DebugLevel
func VerbosityToLevel(verbosity int) zapcore.Level {
	if verbosity >= VerbosityDebug {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}
