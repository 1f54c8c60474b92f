package output

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amorenoz/packet-tracer/internal/events"
)

func tcpEvent(ts, tracking uint64) *events.Event {
	return &events.Event{
		Common: events.CommonEvent{Timestamp: ts, CPU: 2, PID: 1234, TGID: 1234, Comm: "curl"},
		Kernel: &events.KernelEvent{Symbol: "tcp_v4_rcv", Addr: 0xffffffff81000000, ProbeType: "kprobe"},
		SkbTracking: &events.SkbTrackingEvent{
			ID: tracking, OrigHead: 0xffff888100000000, Timestamp: 100, Skb: 0xffff888200000000,
		},
		Skb: &events.SkbEvent{
			IP:  &events.SkbIPEvent{Version: 4, Src: "10.0.0.1", Dst: "10.0.0.2", Len: 60, Protocol: 6, TTL: 64},
			TCP: &events.SkbTCPEvent{Sport: 34567, Dport: 443, Seq: 100, Flags: 0x02, Window: 64240},
			Dev: &events.SkbDevEvent{Name: "eth0", Ifindex: 2},
		},
	}
}

func TestJSON_WriteRead(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewJSONWriter(&buf, &Startup{BootTimeNs: 1_700_000_000_000_000_000, Version: "dev"})
	require.NoError(t, err)

	in := []*events.Event{
		tcpEvent(1000, 7),
		{
			Common:  events.CommonEvent{Timestamp: 2000},
			Kernel:  &events.KernelEvent{Symbol: "kfree_skb_reason", ProbeType: "raw_tracepoint"},
			SkbDrop: &events.SkbDropEvent{Reason: 2, ReasonName: "NOT_SPECIFIED"},
		},
	}
	for _, ev := range in {
		require.NoError(t, w.HandleEvent(ev))
	}
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"startup"`)
	assert.Contains(t, lines[2], `"drop_reason":"NOT_SPECIFIED"`)
	assert.NotContains(t, lines[2], `"skb"`)

	r := NewJSONReader(&buf)
	out, err := r.ReadAll()
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, r.Startup())
	assert.Equal(t, int64(1_700_000_000_000_000_000), r.Startup().BootTime().UnixNano())
}

func TestJSONReader_Errors(t *testing.T) {
	r := NewJSONReader(strings.NewReader("\n{\"common\":{\"timestamp\":1}}\nnot json\n"))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Common.Timestamp)
	assert.Nil(t, r.Startup())

	_, err = r.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")
}

func TestJSONReader_Empty(t *testing.T) {
	_, err := NewJSONReader(strings.NewReader("")).Next()
	assert.ErrorIs(t, err, io.EOF)
}

type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestJSONWriter_ClosesUnderlying(t *testing.T) {
	rec := &closeRecorder{}
	w, err := NewJSONWriter(rec, nil)
	require.NoError(t, err)
	require.NoError(t, w.Encode(map[string]int{"tracking_id": 1}))
	assert.Zero(t, rec.Len())

	require.NoError(t, w.Close())
	assert.True(t, rec.closed)
	assert.Equal(t, "{\"tracking_id\":1}\n", rec.String())
}
