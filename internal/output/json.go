package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/amorenoz/packet-tracer/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxLineSize bounds a single record when reading event files.
const maxLineSize = 1 << 20

// Startup is the first record of an event file.
type Startup struct {
	BootTimeNs int64  `json:"boot_time_ns"`
	Version    string `json:"version,omitempty"`
}

// BootTime returns the boot time of the host that wrote the file.
func (s *Startup) BootTime() time.Time {
	return time.Unix(0, s.BootTimeNs)
}

type startupRecord struct {
	Startup *Startup `json:"startup"`
}

// JSONWriter writes events as JSON lines.
type JSONWriter struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	enc    *jsoniter.Encoder
	closer io.Closer
}

// NewJSONWriter writes to w. When startup is not nil it is written first.
// If w is an io.Closer it is closed by Close.
func NewJSONWriter(w io.Writer, startup *Startup) (*JSONWriter, error) {
	buf := bufio.NewWriter(w)
	jw := &JSONWriter{
		buf: buf,
		enc: json.NewEncoder(buf),
	}
	if c, ok := w.(io.Closer); ok {
		jw.closer = c
	}
	if startup != nil {
		if err := jw.enc.Encode(startupRecord{Startup: startup}); err != nil {
			return nil, fmt.Errorf("failed to write startup record: %w", err)
		}
	}
	return jw, nil
}

// HandleEvent writes ev as a single line.
func (w *JSONWriter) HandleEvent(ev *events.Event) error {
	return w.Encode(ev)
}

// Encode writes any value as a single line, e.g. a sorted series.
func (w *JSONWriter) Encode(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	return nil
}

// Flush writes buffered lines to the underlying writer.
func (w *JSONWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and closes the underlying writer when it is closable.
func (w *JSONWriter) Close() error {
	err := w.Flush()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}

// JSONReader reads event files written by JSONWriter.
type JSONReader struct {
	scanner *bufio.Scanner
	startup *Startup
	line    int
}

// NewJSONReader reads lines from r.
func NewJSONReader(r io.Reader) *JSONReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &JSONReader{scanner: scanner}
}

// Startup returns the startup record, or nil if none was read yet.
func (r *JSONReader) Startup() *Startup {
	return r.startup
}

// Next returns the next event. It returns io.EOF at the end of the input.
func (r *JSONReader) Next() (*events.Event, error) {
	for r.scanner.Scan() {
		r.line++
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if json.Get(line, "startup").ValueType() == jsoniter.ObjectValue {
			var rec startupRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("line %d: invalid startup record: %w", r.line, err)
			}
			r.startup = rec.Startup
			continue
		}

		ev := &events.Event{}
		if err := json.Unmarshal(line, ev); err != nil {
			return nil, fmt.Errorf("line %d: invalid event: %w", r.line, err)
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return nil, io.EOF
}

// ReadAll returns every remaining event.
func (r *JSONReader) ReadAll() ([]*events.Event, error) {
	var evs []*events.Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return evs, nil
		}
		if err != nil {
			return evs, err
		}
		evs = append(evs, ev)
	}
}
