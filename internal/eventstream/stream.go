// Package eventstream turns the raw records produced by the hooks into
// decoded events for a handler.
package eventstream

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/rs/zerolog"

	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/logging"
)

// Reader is a source of raw event records. Read blocks until a record is
// available and returns os.ErrClosed once Close was called.
type Reader interface {
	Read() ([]byte, error)
	Close() error
}

// Handler consumes decoded events.
type Handler interface {
	HandleEvent(ev *events.Event) error
}

// RingbufReader reads records from the kernel ring buffer.
type RingbufReader struct {
	rd *ringbuf.Reader
}

// NewRingbufReader wraps rd.
func NewRingbufReader(rd *ringbuf.Reader) *RingbufReader {
	return &RingbufReader{rd: rd}
}

func (r *RingbufReader) Read() ([]byte, error) {
	record, err := r.rd.Read()
	if err != nil {
		return nil, err
	}
	return record.RawSample, nil
}

func (r *RingbufReader) Close() error {
	return r.rd.Close()
}

// Stream reads records, decodes them and dispatches them to a handler.
type Stream struct {
	reader  Reader
	decoder *events.Decoder
	handler Handler
	log     zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a Stream.
func New(reader Reader, decoder *events.Decoder, handler Handler, log zerolog.Logger) *Stream {
	return &Stream{
		reader:  reader,
		decoder: decoder,
		handler: handler,
		log:     logging.HotPath(log.With().Str("component", "eventstream").Logger()),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start processes events in the background until ctx is done or Stop is
// called.
func (s *Stream) Start(ctx context.Context) error {
	go func() {
		_ = s.Run(ctx) //nolint:errcheck // Run only returns nil
	}()
	return nil
}

// Stop closes the reader and waits for the pending records to be handled.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	return nil
}

// Run processes events until the reader is closed, either by ctx being done,
// by Stop or by the producer side. Records already published are still
// handled.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.done)

	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		case <-closed:
			return
		}
		if err := s.reader.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Closing reader")
		}
	}()

	for {
		record, err := s.reader.Read()
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("Reading event")
			continue
		}
		s.process(record)
	}
}

func (s *Stream) process(record []byte) {
	ev, err := s.decoder.Decode(record)
	if err != nil {
		s.log.Debug().Err(err).Int("len", len(record)).Msg("Dropping undecodable event")
		return
	}
	if err := s.handler.HandleEvent(ev); err != nil {
		s.log.Warn().Err(err).Msg("Handling event")
	}
}
