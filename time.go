package dmos

// TickCount returns the number of scheduler ticks elapsed since Init,
// wrapping at the 32-bit boundary. Returns 0 when not initialized.
func TickCount() uint32 {
	r := global.Load()
	if r == nil {
		return 0
	}
	return r.kernel.TickCount()
}

// UptimeMillis returns the milliseconds elapsed since Init. Unlike
// TickCount it does not wrap. Returns 0 when not initialized.
func UptimeMillis() uint64 {
	r := global.Load()
	if r == nil {
		return 0
	}
	return r.kernel.UptimeMillis()
}
