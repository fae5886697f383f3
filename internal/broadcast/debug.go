package broadcast

import "sync/atomic"

// DebugMode toggles verbose publish logging for one Broadcaster. It starts
// at the value given to NewDebugMode and lives until the process exits.
type DebugMode struct {
	enabled atomic.Bool
}

func NewDebugMode(enabled bool) *DebugMode {
	d := &DebugMode{}
	d.enabled.Store(enabled)
	return d
}

func (d *DebugMode) Enabled() bool {
	return d.enabled.Load()
}

func (d *DebugMode) Set(enabled bool) {
	d.enabled.Store(enabled)
}
