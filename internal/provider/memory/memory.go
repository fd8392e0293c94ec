// Package memory is an in-process provider.Client. It backs the sandbox
// binary mode and the sync tests.
//
// It behaves like the real Provider where the sync core depends on it:
// masters are expanded into instances with synthetic ids that cannot be
// fetched directly, updating such an instance promotes it to an override
// with a new id, titles are normalized, and creates of virtual accounts or
// referenced calendars conflict when they already exist.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"calsync/internal/model"
	"calsync/internal/provider"
)

const slotLayout = "20060102T150405Z"

// Provider is safe for concurrent use.
type Provider struct {
	mu sync.Mutex

	accounts  map[string]*provider.Account
	calendars map[string]*provider.Calendar
	events    map[string]*provider.Event
	// cancelled slots of masters, keyed by master id then unix seconds
	cancelled map[string]map[int64]bool

	seq      int
	calls    map[string]int
	failures map[string][]error

	Now func() time.Time
}

var _ provider.Client = (*Provider)(nil)

func New() *Provider {
	return &Provider{
		accounts:  make(map[string]*provider.Account),
		calendars: make(map[string]*provider.Calendar),
		events:    make(map[string]*provider.Event),
		cancelled: make(map[string]map[int64]bool),
		calls:     make(map[string]int),
		failures:  make(map[string][]error),
		Now:       time.Now,
	}
}

// InstanceID is the synthetic id of a non-override occurrence.
func InstanceID(masterID string, slot time.Time) string {
	return masterID + "_" + slot.UTC().Format(slotLayout)
}

func parseInstanceID(id string) (string, time.Time, bool) {
	i := strings.LastIndex(id, "_")
	if i <= 0 {
		return "", time.Time{}, false
	}
	slot, err := time.Parse(slotLayout, id[i+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return id[:i], slot, true
}

// AddAccount registers an account.
func (p *Provider) AddAccount(a provider.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[a.ID] = &a
}

// AddCalendar registers a calendar.
func (p *Provider) AddCalendar(c provider.Calendar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.Metadata = maps.Clone(c.Metadata)
	p.calendars[c.ID] = &c
}

// RemoveCalendar drops a calendar and its events.
func (p *Provider) RemoveCalendar(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.calendars, id)
	for eid, ev := range p.events {
		if ev.CalendarID == id {
			delete(p.events, eid)
		}
	}
}

// PutEvent stores ev as-is, assigning an id when empty.
func (p *Provider) PutEvent(ev provider.Event) provider.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.ID == "" {
		ev.ID = p.nextID("evt")
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = p.Now()
	}
	c := cloneEvent(ev)
	p.events[ev.ID] = &c
	return cloneEvent(c)
}

// RemoveEvent drops a stored event without recording a call.
func (p *Provider) RemoveEvent(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.events, id)
}

// Event returns a stored event.
func (p *Provider) Event(id string) (provider.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.events[id]
	if !ok {
		return provider.Event{}, false
	}
	return cloneEvent(*ev), true
}

// Events returns all stored events of a calendar, ordered by id.
func (p *Provider) Events(calendarID string) []provider.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []provider.Event
	for _, id := range p.sortedIDs() {
		if ev := p.events[id]; ev.CalendarID == calendarID {
			out = append(out, cloneEvent(*ev))
		}
	}
	return out
}

// Calendar returns a stored calendar.
func (p *Provider) Calendar(id string) (provider.Calendar, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calendars[id]
	if !ok {
		return provider.Calendar{}, false
	}
	return *c, true
}

// Calls returns how often op was invoked.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// FailNext makes the next call of op return err.
func (p *Provider) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

func (p *Provider) enter(op string) error {
	p.calls[op]++
	if q := p.failures[op]; len(q) > 0 {
		p.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *Provider) sortedIDs() []string {
	ids := make([]string, 0, len(p.events))
	for id := range p.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Provider) GetAccount(_ context.Context, accountID string) (*provider.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetAccount"); err != nil {
		return nil, err
	}
	a, ok := p.accounts[accountID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (p *Provider) DeleteAccount(_ context.Context, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("DeleteAccount"); err != nil {
		return err
	}
	if _, ok := p.accounts[accountID]; !ok {
		return provider.ErrNotFound
	}
	delete(p.accounts, accountID)
	for id, c := range p.calendars {
		if c.AccountID == accountID {
			delete(p.calendars, id)
		}
	}
	return nil
}

func (p *Provider) CreateVirtualAccount(_ context.Context, email string) (*provider.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateVirtualAccount"); err != nil {
		return nil, err
	}
	for _, a := range p.accounts {
		if strings.EqualFold(a.Email, email) {
			return nil, provider.ErrConflict
		}
	}
	a := &provider.Account{ID: p.nextID("acct"), Email: email, SyncState: "running", Virtual: true}
	p.accounts[a.ID] = a
	c := *a
	return &c, nil
}

func (p *Provider) FindVirtualAccount(_ context.Context, email string) (*provider.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("FindVirtualAccount"); err != nil {
		return nil, err
	}
	for _, a := range p.accounts {
		if a.Virtual && strings.EqualFold(a.Email, email) {
			c := *a
			return &c, nil
		}
	}
	return nil, provider.ErrNotFound
}

func (p *Provider) ListCalendars(_ context.Context, accountID string) ([]provider.Calendar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ListCalendars"); err != nil {
		return nil, err
	}
	var out []provider.Calendar
	for _, c := range p.calendars {
		if c.AccountID == accountID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *Provider) GetCalendar(_ context.Context, accountID, calendarID string) (*provider.Calendar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetCalendar"); err != nil {
		return nil, err
	}
	c, ok := p.calendars[calendarID]
	if !ok || c.AccountID != accountID {
		return nil, provider.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (p *Provider) CreateCalendar(_ context.Context, accountID string, cal provider.Calendar) (*provider.Calendar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateCalendar"); err != nil {
		return nil, err
	}
	if _, ok := p.accounts[accountID]; !ok {
		return nil, provider.ErrNotFound
	}
	if ref := cal.Metadata[provider.MetaReference]; ref != "" {
		for _, c := range p.calendars {
			if c.AccountID == accountID && c.Metadata[provider.MetaReference] == ref {
				return nil, provider.ErrConflict
			}
		}
	}
	cal.ID = p.nextID("cal")
	cal.AccountID = accountID
	cal.Metadata = maps.Clone(cal.Metadata)
	p.calendars[cal.ID] = &cal
	out := cal
	return &out, nil
}

func (p *Provider) UpdateCalendar(_ context.Context, accountID string, cal provider.Calendar) (*provider.Calendar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("UpdateCalendar"); err != nil {
		return nil, err
	}
	cur, ok := p.calendars[cal.ID]
	if !ok || cur.AccountID != accountID {
		return nil, provider.ErrNotFound
	}
	cur.Name = cal.Name
	cur.Description = cal.Description
	cur.Timezone = cal.Timezone
	out := *cur
	return &out, nil
}

func (p *Provider) GetEvent(_ context.Context, _ string, eventID string) (*provider.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetEvent"); err != nil {
		return nil, err
	}
	ev, ok := p.events[eventID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	out := cloneEvent(*ev)
	return &out, nil
}

func (p *Provider) ListEvents(_ context.Context, _ string, q provider.EventQuery) ([]provider.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ListEvents"); err != nil {
		return nil, err
	}

	ids := make(map[string]bool, len(q.EventIDs))
	for _, id := range q.EventIDs {
		ids[id] = true
	}

	var out []provider.Event
	for _, id := range p.sortedIDs() {
		ev := p.events[id]
		if q.CalendarID != "" && ev.CalendarID != q.CalendarID {
			continue
		}
		if ev.Cancelled() {
			continue
		}
		if q.ExpandRecurring {
			if ev.IsMaster() {
				if len(ids) > 0 && !ids[ev.ID] {
					continue
				}
				expanded, err := p.expand(ev, q)
				if err != nil {
					return nil, err
				}
				out = append(out, expanded...)
				continue
			}
			if ev.IsInstance() {
				// emitted in place of their slot by expand
				continue
			}
		}
		if len(ids) > 0 && !ids[ev.ID] {
			continue
		}
		start, err := eventStart(ev)
		if err != nil {
			return nil, err
		}
		if !inBounds(start, q) {
			continue
		}
		out = append(out, cloneEvent(*ev))
	}
	return out, nil
}

func (p *Provider) expand(master *provider.Event, q provider.EventQuery) ([]provider.Event, error) {
	m, err := model.NewMaster(master.Recurrence, master.Timezone, nil)
	if err != nil {
		return nil, err
	}
	from, to := q.StartsFrom, q.StartsBefore
	if from.IsZero() {
		if from, err = eventStart(master); err != nil {
			return nil, err
		}
	}
	if to.IsZero() {
		to = from.AddDate(1, 0, 0)
	}
	occ, _, err := model.Expand(&model.Event{When: master.When, Recurrence: m}, model.ExpandConfig{RangeStart: from, RangeEnd: to})
	if err != nil {
		return nil, err
	}

	var out []provider.Event
	for _, o := range occ {
		if p.cancelled[master.ID][o.OriginalStart.Unix()] {
			continue
		}
		if ov := p.override(master.ID, o.OriginalStart); ov != nil {
			if !ov.Cancelled() {
				out = append(out, cloneEvent(*ov))
			}
			continue
		}
		inst := cloneEvent(*master)
		inst.ID = InstanceID(master.ID, o.OriginalStart)
		inst.When = o.When
		inst.Recurrence = nil
		inst.MasterEventID = master.ID
		inst.OriginalStart = o.OriginalStart
		inst.Override = false
		out = append(out, inst)
	}
	return out, nil
}

func (p *Provider) override(masterID string, slot time.Time) *provider.Event {
	for _, ev := range p.events {
		if ev.MasterEventID == masterID && ev.OriginalStart.Equal(slot) {
			return ev
		}
	}
	return nil
}

func (p *Provider) CreateEvent(_ context.Context, _ string, ev provider.Event) (*provider.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateEvent"); err != nil {
		return nil, err
	}
	if _, ok := p.calendars[ev.CalendarID]; !ok {
		return nil, provider.ErrNotFound
	}
	ev.ID = p.nextID("evt")
	if ev.MasterEventID != "" {
		ev.Override = true
	}
	normalize(&ev)
	ev.UpdatedAt = p.Now()
	c := cloneEvent(ev)
	p.events[ev.ID] = &c
	out := cloneEvent(c)
	return &out, nil
}

func (p *Provider) UpdateEvent(_ context.Context, _ string, ev provider.Event) (*provider.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("UpdateEvent"); err != nil {
		return nil, err
	}
	normalize(&ev)

	if cur, ok := p.events[ev.ID]; ok {
		ev.CalendarID = cur.CalendarID
		ev.MasterEventID = cur.MasterEventID
		ev.OriginalStart = cur.OriginalStart
		ev.Override = cur.Override
		ev.UpdatedAt = p.Now()
		c := cloneEvent(ev)
		p.events[ev.ID] = &c
		out := cloneEvent(c)
		return &out, nil
	}

	masterID, slot, ok := parseInstanceID(ev.ID)
	if !ok {
		return nil, provider.ErrNotFound
	}
	master, ok := p.events[masterID]
	if !ok || p.cancelled[masterID][slot.Unix()] {
		return nil, provider.ErrNotFound
	}
	// Deviating from the schedule gives the occurrence its own identity.
	ev.ID = p.nextID("evt")
	ev.CalendarID = master.CalendarID
	ev.MasterEventID = masterID
	ev.OriginalStart = slot
	ev.Override = true
	ev.Recurrence = nil
	ev.UpdatedAt = p.Now()
	c := cloneEvent(ev)
	p.events[ev.ID] = &c
	out := cloneEvent(c)
	return &out, nil
}

func (p *Provider) DeleteEvent(_ context.Context, _ string, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("DeleteEvent"); err != nil {
		return err
	}
	if ev, ok := p.events[eventID]; ok {
		delete(p.events, eventID)
		if ev.IsMaster() {
			for id, o := range p.events {
				if o.MasterEventID == eventID {
					delete(p.events, id)
				}
			}
		}
		return nil
	}
	masterID, slot, ok := parseInstanceID(eventID)
	if !ok {
		return provider.ErrNotFound
	}
	if _, ok := p.events[masterID]; !ok || p.cancelled[masterID][slot.Unix()] {
		return provider.ErrNotFound
	}
	if p.cancelled[masterID] == nil {
		p.cancelled[masterID] = make(map[int64]bool)
	}
	p.cancelled[masterID][slot.Unix()] = true
	return nil
}

func normalize(ev *provider.Event) {
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Status == "" {
		ev.Status = string(model.StatusConfirmed)
	}
}

func eventStart(ev *provider.Event) (time.Time, error) {
	zones := model.FixedZone(time.UTC)
	if ev.Timezone != "" {
		loc, err := time.LoadLocation(ev.Timezone)
		if err != nil {
			return time.Time{}, err
		}
		zones = model.FixedZone(loc)
	}
	return model.StartOf(ev.When, zones)
}

func inBounds(start time.Time, q provider.EventQuery) bool {
	if !q.StartsFrom.IsZero() && start.Before(q.StartsFrom) {
		return false
	}
	if !q.StartsBefore.IsZero() && !start.Before(q.StartsBefore) {
		return false
	}
	return true
}

func cloneEvent(ev provider.Event) provider.Event {
	ev.Recurrence = slices.Clone(ev.Recurrence)
	ev.Participants = slices.Clone(ev.Participants)
	ev.Metadata = maps.Clone(ev.Metadata)
	return ev
}
