// Package clock provides the single monotonic time source the wire protocol
// depends on. FrameInfo.Timestamp/Expires (spec §3) are compared by a
// different process than the one that stamped them, so they cannot use Go's
// per-process monotonic reading attached to time.Time (which Go deliberately
// keeps opaque outside the process that produced it) -- they need the raw
// CLOCK_MONOTONIC value the kernel shares across every process on the host.
package clock

import "golang.org/x/sys/unix"

// Now returns the current CLOCK_MONOTONIC time in nanoseconds.
func Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC cannot fail on any Linux kernel this library
		// targets; a non-nil error here means something is deeply wrong
		// with the process (e.g. a broken seccomp filter).
		panic("vsl/clock: CLOCK_MONOTONIC unavailable: " + err.Error())
	}
	return ts.Nano()
}
