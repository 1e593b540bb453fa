// Package broadcast fans board changes out to connected viewers.
//
// Every event carries the full current value of what it describes together
// with the board revision it was read at, so delivering an event twice, or
// after a newer one, never changes what a viewer converges to.
package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/hperssn/modtrack/internal/view"
)

// Event is one of PlanList, PlanUpdate, PlanRemove, StationUpdate and
// StationBatch. The set is closed.
type Event interface {
	// Name is the wire event name.
	Name() string
	// Revision is the board revision the event reflects.
	Revision() int64

	sealed()
}

const (
	NamePlanList      = "plan:list"
	NamePlanUpdate    = "plan:update"
	NamePlanRemove    = "plan:remove"
	NameStationUpdate = "station:update"
	NameStationBatch  = "station:batch"
)

type PlanList struct {
	Rev   int64       `json:"rev" cbor:"rev"`
	Plans []view.Plan `json:"plans" cbor:"plans"`
}

type PlanUpdate struct {
	Rev  int64     `json:"rev" cbor:"rev"`
	Plan view.Plan `json:"plan" cbor:"plan"`
}

type PlanRemove struct {
	Rev      int64  `json:"rev" cbor:"rev"`
	ClientID string `json:"clientId" cbor:"clientId"`
}

type StationUpdate struct {
	Rev      int64  `json:"rev" cbor:"rev"`
	Category string `json:"category" cbor:"category"`
	Index    int    `json:"index" cbor:"index"`
	// Data is nil when the station is free.
	Data *view.Occupant `json:"data" cbor:"data"`
}

type StationBatch struct {
	Rev      int64           `json:"rev" cbor:"rev"`
	Stations view.StationMap `json:"stations" cbor:"stations"`
}

func (PlanList) Name() string      { return NamePlanList }
func (PlanUpdate) Name() string    { return NamePlanUpdate }
func (PlanRemove) Name() string    { return NamePlanRemove }
func (StationUpdate) Name() string { return NameStationUpdate }
func (StationBatch) Name() string  { return NameStationBatch }

func (e PlanList) Revision() int64      { return e.Rev }
func (e PlanUpdate) Revision() int64    { return e.Rev }
func (e PlanRemove) Revision() int64    { return e.Rev }
func (e StationUpdate) Revision() int64 { return e.Rev }
func (e StationBatch) Revision() int64  { return e.Rev }

func (PlanList) sealed()      {}
func (PlanUpdate) sealed()    {}
func (PlanRemove) sealed()    {}
func (StationUpdate) sealed() {}
func (StationBatch) sealed()  {}

// Publisher receives every event produced by a committed mutation.
type Publisher interface {
	Publish(ev Event)
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(ev Event) {
	for _, p := range f {
		p.Publish(ev)
	}
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// DecodeEvent builds the event named name from its payload. decode fills
// the given pointer from the payload in whatever encoding the caller uses.
func DecodeEvent(name string, decode func(v any) error) (Event, error) {
	switch name {
	case NamePlanList:
		var e PlanList
		return decodeAs(decode, &e)
	case NamePlanUpdate:
		var e PlanUpdate
		return decodeAs(decode, &e)
	case NamePlanRemove:
		var e PlanRemove
		return decodeAs(decode, &e)
	case NameStationUpdate:
		var e StationUpdate
		return decodeAs(decode, &e)
	case NameStationBatch:
		var e StationBatch
		return decodeAs(decode, &e)
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
}

func decodeAs[T Event](decode func(v any) error, e *T) (Event, error) {
	if err := decode(e); err != nil {
		return nil, err
	}
	return *e, nil
}

// JSON decodes a JSON payload for DecodeEvent.
func JSON(data []byte) func(v any) error {
	return func(v any) error { return json.Unmarshal(data, v) }
}
