package viewer

import (
	"sync"
	"time"

	"github.com/hperssn/modtrack/internal/broadcast"
	"github.com/hperssn/modtrack/internal/view"
)

// driftTolerance is how far an incoming countdown may differ from the local
// prediction before the local anchor is replaced.
const driftTolerance = 1

type stationKey struct {
	category string
	index    int
}

// anchor is a countdown value observed at a point in time; the displayed
// value ticks down from it.
type anchor struct {
	left int
	at   time.Time
}

func (a anchor) leftAt(now time.Time) int {
	return a.left - int(now.Sub(a.at)/time.Second)
}

type planState struct {
	plan    view.Plan
	anchors map[string]anchor // by modality
}

// Board is a viewer's copy of the station board. Every fact carries the
// revision it was read at; a fact older than what the board already holds
// for the same key is ignored, so applying events more than once or out of
// order converges to the same board.
type Board struct {
	mu sync.Mutex

	plans   map[string]*planState
	order   []string
	planRev map[string]int64 // includes removals
	listRev int64

	stations   map[stationKey]*view.Occupant
	stationRev map[stationKey]int64
	batchRev   int64

	rev int64
}

func NewBoard() *Board {
	return &Board{
		plans:      make(map[string]*planState),
		planRev:    make(map[string]int64),
		stations:   make(map[stationKey]*view.Occupant),
		stationRev: make(map[stationKey]int64),
	}
}

// Apply folds ev into the board. receivedAt anchors plan countdowns. It
// reports whether the event was newer than what the board held.
func (b *Board) Apply(ev broadcast.Event, receivedAt time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	var applied bool
	switch e := ev.(type) {
	case broadcast.PlanList:
		applied = b.applyPlanList(e, receivedAt)
	case broadcast.PlanUpdate:
		applied = b.applyPlan(e.Plan, e.Rev, receivedAt)
	case broadcast.PlanRemove:
		applied = b.removePlan(e.ClientID, e.Rev)
	case broadcast.StationUpdate:
		applied = b.applyStation(stationKey{e.Category, e.Index}, e.Data, e.Rev)
	case broadcast.StationBatch:
		applied = b.applyStationBatch(e)
	}
	if applied && ev.Revision() > b.rev {
		b.rev = ev.Revision()
	}
	return applied
}

func (b *Board) applyPlanList(e broadcast.PlanList, receivedAt time.Time) bool {
	if e.Rev < b.listRev {
		return false
	}
	b.listRev = e.Rev

	listed := make(map[string]bool, len(e.Plans))
	order := make([]string, 0, len(e.Plans))
	for _, p := range e.Plans {
		listed[p.ID] = true
		if b.applyPlan(p, e.Rev, receivedAt) || b.plans[p.ID] != nil {
			order = append(order, p.ID)
		}
	}
	// Plans added by newer deltas keep their place at the end.
	for _, id := range b.order {
		if !listed[id] && b.plans[id] != nil {
			if b.planRev[id] > e.Rev {
				order = append(order, id)
				continue
			}
			delete(b.plans, id)
			b.planRev[id] = e.Rev
		}
	}
	b.order = order
	return true
}

func (b *Board) applyPlan(p view.Plan, rev int64, receivedAt time.Time) bool {
	if rev < b.planRev[p.ID] {
		return false
	}
	b.planRev[p.ID] = rev

	st, ok := b.plans[p.ID]
	if !ok {
		st = &planState{anchors: make(map[string]anchor)}
		b.plans[p.ID] = st
		b.order = appendMissing(b.order, p.ID)
	}

	anchors := make(map[string]anchor, len(p.Steps))
	for _, s := range p.Steps {
		if s.Left == nil {
			continue
		}
		incoming := anchor{left: *s.Left, at: receivedAt}
		if prev, ok := st.anchors[s.Modality]; ok && abs(prev.leftAt(receivedAt)-incoming.left) <= driftTolerance {
			incoming = prev
		}
		anchors[s.Modality] = incoming
	}
	st.plan = p
	st.anchors = anchors
	return true
}

func (b *Board) removePlan(clientID string, rev int64) bool {
	if rev < b.planRev[clientID] {
		return false
	}
	b.planRev[clientID] = rev
	delete(b.plans, clientID)
	return true
}

func (b *Board) applyStation(key stationKey, occ *view.Occupant, rev int64) bool {
	if rev < b.stationRev[key] {
		return false
	}
	b.stationRev[key] = rev
	b.stations[key] = occ
	return true
}

func (b *Board) applyStationBatch(e broadcast.StationBatch) bool {
	if e.Rev < b.batchRev {
		return false
	}
	b.batchRev = e.Rev

	seen := make(map[stationKey]bool)
	for category, cells := range e.Stations {
		for index, occ := range cells {
			key := stationKey{category, index}
			seen[key] = true
			b.applyStation(key, occ, e.Rev)
		}
	}
	for key := range b.stations {
		if !seen[key] && b.stationRev[key] <= e.Rev {
			delete(b.stations, key)
			b.stationRev[key] = e.Rev
		}
	}
	return true
}

// Revision is the newest revision applied.
func (b *Board) Revision() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rev
}

// Plans returns the plans in queue order with countdowns ticked to now.
func (b *Board) Plans(now time.Time) []view.Plan {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]view.Plan, 0, len(b.plans))
	for _, id := range b.order {
		st, ok := b.plans[id]
		if !ok {
			continue
		}
		p := st.plan
		p.Steps = make([]view.Step, len(st.plan.Steps))
		for i, s := range st.plan.Steps {
			if a, ok := st.anchors[s.Modality]; ok {
				left := a.leftAt(now)
				s.Left = &left
			}
			p.Steps[i] = s
		}
		out = append(out, p)
	}
	return out
}

// Stations returns a copy of the station cells. Free stations map to nil.
func (b *Board) Stations() view.StationMap {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := make(view.StationMap)
	for key, occ := range b.stations {
		cells, ok := m[key.category]
		if !ok {
			cells = make(map[int]*view.Occupant)
			m[key.category] = cells
		}
		if occ != nil {
			c := *occ
			occ = &c
		}
		cells[key.index] = occ
	}
	return m
}

// Expired reports whether the station's countdown has reached zero. The
// station keeps running until an operator releases it.
func (b *Board) Expired(category string, index int, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	occ := b.stations[stationKey{category, index}]
	return occ != nil && occ.Remaining(now) <= 0
}

func appendMissing(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
