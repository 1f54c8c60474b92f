package probe

import (
	"github.com/amorenoz/packet-tracer/internal/builder"
	"github.com/amorenoz/packet-tracer/internal/skb"
)

// Context is what a probe sees when it fires.
type Context struct {
	// Probe is the probe that was hit. The dispatcher sets it.
	Probe Probe
	// Timestamp is the monotonic time of the hit. When zero the dispatcher
	// reads the clock.
	Timestamp uint64
	CPU       uint32
	PID       uint32
	TGID      uint32
	// Args holds the function arguments, or the USDT arguments.
	Args []uint64
	// Ret is the return value, for kretprobes.
	Ret uint64
	// Skb is the socket buffer the probe is about, if any.
	Skb *skb.Buff
	// Data holds probe specific arguments, in the type the hooks bound to
	// that probe expect.
	Data any
}

// TID returns the thread identity used to correlate the entry and exit of
// a function, in the bpf_get_current_pid_tgid layout.
func (c *Context) TID() uint64 {
	return uint64(c.TGID)<<32 | uint64(c.PID)
}

// Arg returns argument i, or zero.
func (c *Context) Arg(i int) uint64 {
	if i < 0 || i >= len(c.Args) {
		return 0
	}
	return c.Args[i]
}

// HookFunc adds data to the event of a probe hit. It must only touch the
// event through the handle and return an error instead of partially
// writing a section. Errors are reported, never propagated.
type HookFunc func(ctx *Context, ev *builder.Handle) error

// Hook is a unit of collector logic bound to probes.
type Hook struct {
	// Name identifies the hook in diagnostics.
	Name string
	Func HookFunc
	// Object optionally names a compiled BPF extension object implementing
	// the same logic in the kernel. The loader binds it to the probe
	// program when attaching.
	Object string
}
