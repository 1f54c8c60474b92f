package bpf

import (
	"os"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amorenoz/packet-tracer/internal/probe"
)

func TestHookPlaceholder(t *testing.T) {
	assert.Equal(t, "hook0", HookPlaceholder(0))
	assert.Equal(t, "hook9", HookPlaceholder(probe.HookMax-1))
}

func TestPrograms(t *testing.T) {
	for _, kind := range []probe.Kind{probe.Kprobe, probe.Kretprobe, probe.RawTracepoint, probe.Usdt} {
		assert.NotEmpty(t, programs[kind], kind.String())
	}
}

func TestLoad_MissingObject(t *testing.T) {
	_, err := Load(Options{ObjectDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading probe object")
}

func TestObjects_MissingHookObject(t *testing.T) {
	o := &Objects{dir: t.TempDir(), hookSpecs: map[string]*ebpf.CollectionSpec{}}
	_, err := o.HookProgram("skb_hook.o", nil, HookPlaceholder(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hook object skb_hook.o")
}

func TestRingSize(t *testing.T) {
	page := uint32(os.Getpagesize())
	tests := []struct {
		in, want uint32
	}{
		{0, 0},
		{1, page},
		{page, page},
		{page + 1, page * 2},
		{4096 * 1024, 4096 * 1024},
		{3_000_000, 1 << 22},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RingSize(tt.in), "RingSize(%d)", tt.in)
	}
}
