package timesync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConverter_MonotonicToWallClock(t *testing.T) {
	bootTime := time.Unix(1000000000, 0) // 2001-09-09 01:46:40 UTC
	converter := NewConverterAt(bootTime)

	tests := []struct {
		name           string
		monotonicNanos uint64
		want           time.Time
	}{
		{
			name:           "zero nanoseconds",
			monotonicNanos: 0,
			want:           bootTime,
		},
		{
			name:           "one second",
			monotonicNanos: 1_000_000_000,
			want:           bootTime.Add(1 * time.Second),
		},
		{
			name:           "one hour",
			monotonicNanos: 3_600_000_000_000,
			want:           bootTime.Add(1 * time.Hour),
		},
		{
			name:           "mixed time",
			monotonicNanos: 123_456_789_000,
			want:           bootTime.Add(123*time.Second + 456*time.Millisecond + 789*time.Microsecond),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := converter.MonotonicToWallClock(tt.monotonicNanos)
			if !got.Equal(tt.want) {
				t.Errorf("MonotonicToWallClock() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewConverter(t *testing.T) {
	converter, err := NewConverter()
	if err != nil {
		t.Fatalf("NewConverter() error = %v", err)
	}

	bootTime := converter.BootTime()
	if bootTime.IsZero() {
		t.Error("BootTime() is zero")
	}
	if bootTime.After(time.Now()) {
		t.Error("BootTime() is in the future")
	}
}

func TestProcBootTime(t *testing.T) {
	tests := []struct {
		name    string
		stat    string
		want    time.Time
		wantErr bool
	}{
		{
			name: "btime present",
			stat: "cpu  1 2 3 4 5 6 7 8 9 10\nintr 1\nctxt 10\nbtime 1700000000\nprocesses 4\n",
			want: time.Unix(1700000000, 0),
		},
		{
			name:    "btime missing",
			stat:    "ctxt 10\nprocesses 4\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(tt.stat), 0o600); err != nil {
				t.Fatal(err)
			}

			got, err := ProcBootTime(dir)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ProcBootTime() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ProcBootTime() = %v, want %v", got, tt.want)
			}
		})
	}
}
