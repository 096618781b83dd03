package bridge

import (
	"time"

	"github.com/wippyai/wasm-netbridge/errors"
)

// monotonicMicros is the time since the bridge was created.
func (b *Bridge) monotonicMicros() int64 {
	return time.Since(b.start).Microseconds()
}

// unixMicros is the wall clock. A clock set before the epoch cannot be
// represented to the guest.
func (b *Bridge) unixMicros() int64 {
	us := b.wallClock().UnixMicro()
	if us < 0 {
		panic(errors.ContractViolation(errors.PhaseHost, "system clock is before the unix epoch (%d us)", us))
	}
	return us
}
