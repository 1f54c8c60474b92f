package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/timesync"
)

// HostResolver maps IP addresses to hostnames seen on the host.
type HostResolver interface {
	Lookup(ip string) []string
}

// TextWriter writes one line per event.
type TextWriter struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	closer io.Closer
	conv   *timesync.Converter
	hosts  HostResolver
}

// NewTextWriter writes to w. conv turns event timestamps into wall clock
// time; when nil raw monotonic nanoseconds are printed. hosts may be nil.
func NewTextWriter(w io.Writer, conv *timesync.Converter, hosts HostResolver) *TextWriter {
	tw := &TextWriter{
		buf:   bufio.NewWriter(w),
		conv:  conv,
		hosts: hosts,
	}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

func (w *TextWriter) HandleEvent(ev *events.Event) error {
	return w.WriteLine(w.Format(ev))
}

// WriteLine writes line followed by a newline.
func (w *TextWriter) WriteLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.buf.WriteString(line); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

// Format renders ev without the trailing newline.
func (w *TextWriter) Format(ev *events.Event) string {
	var b strings.Builder

	if w.conv != nil {
		b.WriteString(w.conv.MonotonicToWallClock(ev.Common.Timestamp).UTC().Format(time.RFC3339Nano))
	} else {
		b.WriteString(strconv.FormatUint(ev.Common.Timestamp, 10))
	}
	fmt.Fprintf(&b, " (%d)", ev.Common.CPU)
	if ev.Common.TGID != 0 || ev.Common.Comm != "" {
		fmt.Fprintf(&b, " [%s] %d/%d", ev.Common.Comm, ev.Common.TGID, ev.Common.PID)
	}

	switch {
	case ev.Kernel != nil:
		fmt.Fprintf(&b, " [%s] %s", shortProbeType(ev.Kernel.ProbeType), ev.Kernel.Symbol)
	case ev.Userspace != nil:
		fmt.Fprintf(&b, " [u] %s", ev.Userspace.Symbol)
	}

	if t := ev.SkbTracking; t != nil {
		fmt.Fprintf(&b, " #%x (skb %x)", t.ID, t.Skb)
	}
	if d := ev.SkbDrop; d != nil {
		name := d.ReasonName
		if name == "" {
			name = strconv.Itoa(int(d.Reason))
		}
		fmt.Fprintf(&b, " drop (%s)", name)
	}
	if s := ev.Skb; s != nil {
		w.formatSkb(&b, s)
	}
	if o := ev.Ovs; o != nil {
		formatOvs(&b, o)
	}
	return b.String()
}

func (w *TextWriter) formatSkb(b *strings.Builder, s *events.SkbEvent) {
	if s.Netns != nil {
		fmt.Fprintf(b, " ns %d", s.Netns.Netns)
	}
	if s.Dev != nil {
		if s.Dev.Name != "" {
			fmt.Fprintf(b, " if %d (%s)", s.Dev.Ifindex, s.Dev.Name)
		} else {
			fmt.Fprintf(b, " if %d", s.Dev.Ifindex)
		}
		if s.Dev.RxIfindex != 0 {
			fmt.Fprintf(b, " rxif %d", s.Dev.RxIfindex)
		}
	}
	if s.Eth != nil {
		fmt.Fprintf(b, " %s > %s ethertype %#06x", s.Eth.Src, s.Eth.Dst, s.Eth.EtherType)
	}

	if s.IP != nil {
		var sport, dport string
		switch {
		case s.TCP != nil:
			sport, dport = strconv.Itoa(int(s.TCP.Sport)), strconv.Itoa(int(s.TCP.Dport))
		case s.UDP != nil:
			sport, dport = strconv.Itoa(int(s.UDP.Sport)), strconv.Itoa(int(s.UDP.Dport))
		}
		fmt.Fprintf(b, " %s > %s", w.endpoint(s.IP.Src, sport), w.endpoint(s.IP.Dst, dport))
		fmt.Fprintf(b, " ttl %d len %d proto %d", s.IP.TTL, s.IP.Len, s.IP.Protocol)
	}

	switch {
	case s.TCP != nil:
		fmt.Fprintf(b, " flags [%s] seq %d ack %d win %d", tcpFlags(s.TCP.Flags), s.TCP.Seq, s.TCP.Ack, s.TCP.Window)
	case s.UDP != nil:
		fmt.Fprintf(b, " udp len %d", s.UDP.Len)
	case s.ICMP != nil:
		fmt.Fprintf(b, " icmp type %d code %d", s.ICMP.Type, s.ICMP.Code)
	}

	if d := s.DataRef; d != nil {
		fmt.Fprintf(b, " users %d dataref %d", d.Users, d.Dataref)
		if d.Cloned {
			b.WriteString(" cloned")
		}
		if d.Fclone != 0 {
			fmt.Fprintf(b, " fclone %d", d.Fclone)
		}
		if d.Nohdr {
			b.WriteString(" nohdr")
		}
	}
}

func (w *TextWriter) endpoint(ip, port string) string {
	host := ip
	if w.hosts != nil {
		if names := w.hosts.Lookup(ip); len(names) > 0 {
			host = fmt.Sprintf("%s(%s)", ip, strings.Join(names, ","))
		}
	}
	if port == "" {
		return host
	}
	if strings.Contains(ip, ":") {
		return net.JoinHostPort(host, port)
	}
	return host + "." + port
}

func formatOvs(b *strings.Builder, o *events.OvsEvent) {
	switch {
	case o.Upcall != nil:
		fmt.Fprintf(b, " ovs upcall cmd %d port %d cpu %d", o.Upcall.Cmd, o.Upcall.Port, o.Upcall.CPU)
	case o.FlowLookup != nil:
		u := o.FlowLookup.Ufid
		fmt.Fprintf(b, " ovs flow %x ufid %08x-%08x-%08x-%08x hit %d/%d",
			o.FlowLookup.Flow, u[0], u[1], u[2], u[3], o.FlowLookup.NMaskHit, o.FlowLookup.NCacheHit)
	case o.Exec != nil:
		fmt.Fprintf(b, " ovs exec recirc %d", o.Exec.Recirc)
	case o.OpExec != nil:
		fmt.Fprintf(b, " ovs op_exec queue %d size %d", o.OpExec.Queue, o.OpExec.PktSize)
	case o.ExecCmd != nil:
		fmt.Fprintf(b, " ovs exec_cmd port %d", o.ExecCmd.Port)
	}
}

func shortProbeType(t string) string {
	switch t {
	case "kprobe":
		return "k"
	case "kretprobe":
		return "kr"
	case "raw_tracepoint":
		return "tp"
	case "usdt":
		return "u"
	default:
		return t
	}
}

var tcpFlagNames = []struct {
	bit  uint8
	name byte
}{
	{0x01, 'F'}, {0x02, 'S'}, {0x04, 'R'}, {0x08, 'P'},
	{0x10, '.'}, {0x20, 'U'}, {0x40, 'E'}, {0x80, 'W'},
}

func tcpFlags(flags uint8) string {
	var out []byte
	for _, f := range tcpFlagNames {
		if flags&f.bit != 0 {
			out = append(out, f.name)
		}
	}
	if len(out) == 0 {
		return "none"
	}
	return string(out)
}

func (w *TextWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

func (w *TextWriter) Close() error {
	err := w.Flush()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}
