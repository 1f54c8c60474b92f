// Package timesync converts event timestamps to wall-clock time.
//
// Events are stamped with CLOCK_MONOTONIC nanoseconds, both by the kernel
// hooks and by the in-process dispatcher. The converter keeps the wall-clock
// time at which the monotonic clock was zero and adds the event offset to it.
package timesync
