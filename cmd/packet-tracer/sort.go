package main

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/amorenoz/packet-tracer/internal/attributes"
	"github.com/amorenoz/packet-tracer/internal/config"
	"github.com/amorenoz/packet-tracer/internal/eventprocessor"
	"github.com/amorenoz/packet-tracer/internal/events"
	"github.com/amorenoz/packet-tracer/internal/output"
)

func newSortCmd(g *globalOptions) *cobra.Command {
	o := &readOptions{}
	cmd := &cobra.Command{
		Use:   "sort FILE",
		Short: "Group the events of a file by packet",
		Long: `Group the events of a JSON event file by tracking id and order each
group by timestamp. Events without a tracking id form their own group.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			_, log, err := g.load()
			if err != nil {
				return err
			}
			return runSort(cmd, args[0], o, log)
		},
	}
	o.register(cmd)
	return cmd
}

func runSort(cmd *cobra.Command, path string, o *readOptions, log zerolog.Logger) (err error) {
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
	all, err := r.ReadAll()
	if err != nil {
		return err
	}
	evs := make([]*events.Event, 0, len(all))
	for _, ev := range all {
		ok, err := filter.Match(ev)
		if err != nil {
			log.Debug().Err(err).Msg("Filter failed")
		}
		if ok {
			evs = append(evs, ev)
		}
	}
	series := eventprocessor.Sort(evs)
	log.Debug().Int("events", len(evs)).Int("series", len(series)).Msg("Sorted events")

	out, err := openOutput(cmd, o.out)
	if err != nil {
		return err
	}

	if o.format == config.FormatJSON {
		jw, err := output.NewJSONWriter(out, r.Startup())
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, jw.Close())
		}()
		for _, s := range series {
			if err := jw.Encode(s); err != nil {
				return err
			}
		}
		return nil
	}

	tw := output.NewTextWriter(out, converterFor(r.Startup(), log), nil)
	defer func() {
		err = errors.Join(err, tw.Close())
	}()
	for _, s := range series {
		if err := tw.WriteLine(seriesHeader(s)); err != nil {
			return err
		}
		for _, ev := range s.Events {
			if err := tw.WriteLine("  " + tw.Format(ev)); err != nil {
				return err
			}
		}
	}
	return nil
}

func seriesHeader(s eventprocessor.Series) string {
	if s.TrackingID == 0 {
		return fmt.Sprintf("untracked (%d events)", len(s.Events))
	}
	return fmt.Sprintf("#%x (%d events)", s.TrackingID, len(s.Events))
}
