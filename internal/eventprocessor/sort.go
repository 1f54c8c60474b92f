package eventprocessor

import (
	"sort"

	"github.com/amorenoz/packet-tracer/internal/events"
)

// Series is the ordered list of events of one packet.
type Series struct {
	// TrackingID is zero for events without correlation info, each of which
	// forms its own series.
	TrackingID uint64          `json:"tracking_id,omitempty"`
	Events     []*events.Event `json:"events"`
}

// Sort groups events by tracking id and orders every series by timestamp.
// Arrival order carries no meaning: events of different CPUs are
// interleaved arbitrarily. Series are ordered by their first event.
func Sort(evs []*events.Event) []Series {
	var series []Series
	index := make(map[uint64]int)

	for _, ev := range evs {
		id, ok := ev.TrackingID()
		if !ok {
			series = append(series, Series{Events: []*events.Event{ev}})
			continue
		}
		i, seen := index[id]
		if !seen {
			i = len(series)
			index[id] = i
			series = append(series, Series{TrackingID: id})
		}
		series[i].Events = append(series[i].Events, ev)
	}

	for _, s := range series {
		sort.SliceStable(s.Events, func(a, b int) bool {
			return s.Events[a].Common.Timestamp < s.Events[b].Common.Timestamp
		})
	}
	sort.SliceStable(series, func(a, b int) bool {
		return series[a].Events[0].Common.Timestamp < series[b].Events[0].Common.Timestamp
	})
	return series
}

// Collector is a sink keeping every event, to sort them once collection is
// over.
type Collector struct {
	events []*events.Event
}

func (c *Collector) HandleEvent(ev *events.Event) error {
	c.events = append(c.events, ev)
	return nil
}

// Series sorts the collected events.
func (c *Collector) Series() []Series {
	return Sort(c.events)
}
