package syncer

import (
	"calsync/internal/model"
	"calsync/internal/provider"
)

// slotKey identifies an occurrence by its local master and scheduled start.
type slotKey struct {
	master string
	at     int64
}

// localIndex matches Provider events to local events. Instances fall back
// to their slot, since a non-override instance changes Provider id when it
// is promoted to an override.
type localIndex struct {
	all    []*model.Event
	byExt  map[string]*model.Event
	bySlot map[slotKey]*model.Event
	used   map[string]bool
}

func newLocalIndex(evs []*model.Event) *localIndex {
	x := &localIndex{
		all:    evs,
		byExt:  make(map[string]*model.Event, len(evs)),
		bySlot: make(map[slotKey]*model.Event),
		used:   make(map[string]bool, len(evs)),
	}
	for _, ev := range evs {
		if ev.ExternalID != "" {
			x.byExt[ev.ExternalID] = ev
		}
		if in, ok := ev.Recurrence.(model.Instance); ok {
			x.bySlot[slotKey{in.MasterID, in.OriginalStart.Unix()}] = ev
		}
	}
	return x
}

// match returns the local counterpart of pe, or nil. master is the local
// master of an instance, when known.
func (x *localIndex) match(pe *provider.Event, master *model.Event) *model.Event {
	if ev, ok := x.byExt[pe.ID]; ok && !x.used[ev.ID] {
		return ev
	}
	if master == nil || !pe.IsInstance() {
		return nil
	}
	if ev, ok := x.bySlot[slotKey{master.ID, pe.OriginalStart.Unix()}]; ok && !x.used[ev.ID] {
		return ev
	}
	return nil
}

func (x *localIndex) seen(ev *model.Event) {
	x.used[ev.ID] = true
}

// unseen lists local events no Provider event matched, in input order.
func (x *localIndex) unseen() []*model.Event {
	var out []*model.Event
	for _, ev := range x.all {
		if !x.used[ev.ID] {
			out = append(out, ev)
		}
	}
	return out
}
