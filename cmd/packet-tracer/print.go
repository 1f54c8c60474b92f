package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/amorenoz/packet-tracer/internal/attributes"
	"github.com/amorenoz/packet-tracer/internal/config"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/output"
	"github.com/amorenoz/packet-tracer/internal/timesync"
)

type readOptions struct {
	format string
	out    string
	filter string
}

func (o *readOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.format, "format", "f", config.FormatText, "output format: text or json")
	f.StringVarP(&o.out, "out", "o", "", "output file (default stdout)")
	f.StringVar(&o.filter, "filter", "", "boolean expression events must match")
}

func (o *readOptions) validate() error {
	if o.format != config.FormatText && o.format != config.FormatJSON {
		return fmt.Errorf("unknown output format %q (want %s or %s)", o.format, config.FormatText, config.FormatJSON)
	}
	return nil
}

// converterFor uses the boot time of the host that wrote the file, when
// known, so timestamps convert correctly on another host.
func converterFor(startup *output.Startup, log zerolog.Logger) *timesync.Converter {
	if startup != nil {
		return timesync.NewConverterAt(startup.BootTime())
	}
	conv, err := timesync.NewConverter()
	if err != nil {
		log.Warn().Err(err).Msg("Boot time unknown, printing raw timestamps")
		return nil
	}
	return conv
}

func newPrintCmd(g *globalOptions) *cobra.Command {
	o := &readOptions{}
	cmd := &cobra.Command{
		Use:   "print FILE",
		Short: "Print the events of a file written by collect",
		Long:  "Print the events of a JSON event file. Use - to read from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			_, log, err := g.load()
			if err != nil {
				return err
			}
			return runPrint(cmd, args[0], o, log)
		},
	}
	o.register(cmd)
	return cmd
}

func runPrint(cmd *cobra.Command, path string, o *readOptions, log zerolog.Logger) (err error) {
	filter, err := attributes.NewFilter(o.filter)
	if err != nil {
		return err
	}

	in, err := openInput(cmd, path)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close() //nolint:errcheck // Read-only file
	}()
	r := output.NewJSONReader(in)

	// The startup record, if any, comes first.
	first, err := r.Next()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return err
	}

	out, err := openOutput(cmd, o.out)
	if err != nil {
		return err
	}
	var sink interface {
		HandleEvent(*events.Event) error
		Close() error
	}
	if o.format == config.FormatJSON {
		if sink, err = output.NewJSONWriter(out, r.Startup()); err != nil {
			return err
		}
	} else {
		sink = output.NewTextWriter(out, converterFor(r.Startup(), log), nil)
	}
	defer func() {
		err = errors.Join(err, sink.Close())
	}()

	for ev := first; ; {
		ok, err := filter.Match(ev)
		if err != nil {
			log.Debug().Err(err).Msg("Filter failed")
		}
		if ok {
			if err := sink.HandleEvent(ev); err != nil {
				return err
			}
		}

		ev, err = r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
