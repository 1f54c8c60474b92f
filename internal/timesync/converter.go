package timesync

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Converter turns event timestamps (CLOCK_MONOTONIC nanoseconds) into
// wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter measures the offset between CLOCK_REALTIME and
// CLOCK_MONOTONIC. When the clocks cannot be read it falls back to the
// boot time reported by /proc/stat.
func NewConverter() (*Converter, error) {
	bootTime, err := clockOffset()
	if err == nil {
		return &Converter{bootTime: bootTime}, nil
	}

	bootTime, procErr := ProcBootTime(procfs.DefaultMountPoint)
	if procErr != nil {
		return nil, fmt.Errorf("reading boot time: %w (clocks: %w)", procErr, err)
	}
	return &Converter{bootTime: bootTime}, nil
}

// NewConverterAt uses a known boot time, typically the one recorded with an
// events file.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// MonotonicToWallClock converts a monotonic timestamp to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	return c.bootTime.Add(time.Duration(monotonicNanos)) //nolint:gosec // nanoseconds since boot fit
}

// BootTime returns the boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// MonotonicNow returns CLOCK_MONOTONIC in nanoseconds, the clock event
// timestamps are taken from. It returns zero if the clock cannot be read.
func MonotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Nano()) //nolint:gosec // monotonic time is positive
}

func clockOffset() (time.Time, error) {
	var mono, wall unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return time.Time{}, fmt.Errorf("reading CLOCK_MONOTONIC: %w", err)
	}
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &wall); err != nil {
		return time.Time{}, fmt.Errorf("reading CLOCK_REALTIME: %w", err)
	}
	return time.Unix(wall.Unix()).Add(-time.Duration(mono.Nano())), nil
}

// ProcBootTime reads btime from the stat file of the procfs mounted at
// mountPoint. The value has a one second resolution.
func ProcBootTime(mountPoint string) (time.Time, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return time.Time{}, fmt.Errorf("opening %s: %w", mountPoint, err)
	}
	stat, err := fs.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading %s/stat: %w", mountPoint, err)
	}
	if stat.BootTime == 0 {
		return time.Time{}, fmt.Errorf("btime not found in %s/stat", mountPoint)
	}
	return time.Unix(int64(stat.BootTime), 0), nil //nolint:gosec // seconds since epoch fit
}
