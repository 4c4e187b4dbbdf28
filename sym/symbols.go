// Package sym defines the symbols postpulse prints in logs and CLI output.
// Logs carry them as a structured "symbol" field so they stay queryable.
package sym

const (
	Pulse      = "꩜" // ticker, worker pool, rate limiting
	PulseOpen  = "✿" // startup and orphaned job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Run        = "⟶" // run lifecycle (dispatch, conclude, finalize)
	Watchdog   = "⧗" // deadline finalization
)

// All returns every symbol keyed by its name.
func All() map[string]string {
	return map[string]string{
		"pulse":       Pulse,
		"pulse_open":  PulseOpen,
		"pulse_close": PulseClose,
		"db":          DB,
		"am":          AM,
		"run":         Run,
		"watchdog":    Watchdog,
	}
}
