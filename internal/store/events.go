package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"calsync/internal/model"
)

var eventColumns = []string{
	"id", "tenant_id", "calendar_id", "external_id", "ical_uid",
	"title", "description", "location",
	"when_kind", "when_start", "when_end", "eff_zone", "eff_start", "eff_end", "start_utc", "end_utc",
	"rec_kind", "rrule", "exdate", "rec_timezone", "master_id", "master_external_id", "original_start", "override",
	"status", "busy", "read_only", "checkin_at", "checkout_at", "owner", "participants", "metadata",
	"created_at", "updated_at", "created_source", "updated_source",
}

var selectEvents = "SELECT " + strings.Join(eventColumns, ", ") + " FROM events "

// fieldColumns maps an update field to the columns it rewrites.
var fieldColumns = map[model.Field][]string{
	model.FieldExternalID:   {"external_id"},
	model.FieldICalUID:      {"ical_uid"},
	model.FieldTitle:        {"title"},
	model.FieldDescription:  {"description"},
	model.FieldLocation:     {"location"},
	model.FieldWhen:         {"when_kind", "when_start", "when_end", "eff_zone", "eff_start", "eff_end", "start_utc", "end_utc"},
	model.FieldRecurrence:   {"rec_kind", "rrule", "exdate", "rec_timezone", "master_id", "master_external_id", "original_start", "override"},
	model.FieldStatus:       {"status"},
	model.FieldBusy:         {"busy"},
	model.FieldReadOnly:     {"read_only"},
	model.FieldCheckinAt:    {"checkin_at"},
	model.FieldCheckoutAt:   {"checkout_at"},
	model.FieldOwner:        {"owner"},
	model.FieldParticipants: {"participants"},
	model.FieldMetadata:     {"metadata"},
}

// EventRepo implements Events.
type EventRepo struct {
	db *DB
}

var _ Events = (*EventRepo)(nil)

// zoneLookup resolves a calendar's timezone, memoized for one operation.
// Only all-day events ever call it.
type zoneLookup func(calendarID string) (*time.Location, error)

func calendarZones(ctx context.Context, q querier, tenantID string) zoneLookup {
	cache := make(map[string]*time.Location)
	return func(calendarID string) (*time.Location, error) {
		if loc, ok := cache[calendarID]; ok {
			return loc, nil
		}
		var tz string
		err := q.QueryRowContext(ctx,
			`SELECT timezone FROM calendars WHERE tenant_id = ? AND id = ?`, tenantID, calendarID).Scan(&tz)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("lookup calendar timezone: %w", err)
		}
		loc := time.UTC
		if tz != "" {
			if loc, err = time.LoadLocation(tz); err != nil {
				return nil, fmt.Errorf("calendar %s timezone %q: %w", calendarID, tz, err)
			}
		}
		cache[calendarID] = loc
		return loc, nil
	}
}

func (r *EventRepo) Get(ctx context.Context, tenantID, id string) (*model.Event, error) {
	ev, err := scanEvent(r.db.conn.QueryRowContext(ctx,
		selectEvents+"WHERE tenant_id = ? AND id = ?", tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	return ev, nil
}

func (r *EventRepo) GetByExternalID(ctx context.Context, tenantID, externalID string) (*model.Event, error) {
	if externalID == "" {
		return nil, model.ErrNotFound
	}
	ev, err := scanEvent(r.db.conn.QueryRowContext(ctx,
		selectEvents+"WHERE tenant_id = ? AND external_id = ? ORDER BY created_at LIMIT 1", tenantID, externalID))
	if err != nil {
		return nil, notFound(err)
	}
	return ev, nil
}

func (r *EventRepo) GetManyByExternalID(ctx context.Context, tenantID string, externalIDs []string) (map[string]*model.Event, error) {
	out := make(map[string]*model.Event, len(externalIDs))
	for start := 0; start < len(externalIDs); start += DefaultPageSize {
		chunk := externalIDs[start:min(start+DefaultPageSize, len(externalIDs))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, tenantID)
		for _, id := range chunk {
			args = append(args, id)
		}
		evs, err := queryEvents(ctx, r.db.conn,
			"WHERE tenant_id = ? AND external_id != '' AND external_id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return nil, err
		}
		for _, ev := range evs {
			out[ev.ExternalID] = ev
		}
	}
	return out, nil
}

func (r *EventRepo) ListByCalendar(ctx context.Context, tenantID, calendarID, cursor string, limit int) ([]*model.Event, string, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	evs, err := queryEvents(ctx, r.db.conn,
		"WHERE tenant_id = ? AND calendar_id = ? AND id > ? ORDER BY id LIMIT ?",
		tenantID, calendarID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(evs) == limit {
		next = evs[len(evs)-1].ID
	}
	return evs, next, nil
}

func (r *EventRepo) ListInstances(ctx context.Context, tenantID, masterID string) ([]*model.Event, error) {
	return queryEvents(ctx, r.db.conn,
		"WHERE tenant_id = ? AND master_id = ? ORDER BY original_start, id", tenantID, masterID)
}

func (r *EventRepo) Insert(ctx context.Context, ev *model.Event) error {
	return r.insert(ctx, r.db.conn, ev, calendarZones(ctx, r.db.conn, ev.TenantID))
}

func (r *EventRepo) InsertBatch(ctx context.Context, evs []*model.Event) error {
	if len(evs) == 0 {
		return nil
	}
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		zones := make(map[string]zoneLookup)
		for _, ev := range evs {
			z, ok := zones[ev.TenantID]
			if !ok {
				z = calendarZones(ctx, tx, ev.TenantID)
				zones[ev.TenantID] = z
			}
			if err := r.insert(ctx, tx, ev, z); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *EventRepo) insert(ctx context.Context, q querier, ev *model.Event, zones zoneLookup) error {
	if ev.ID == "" {
		return errors.New("insert event: id is required")
	}
	now := r.db.now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = ev.CreatedAt
	}
	if ev.UpdatedSource == "" {
		ev.UpdatedSource = ev.CreatedSource
	}
	vals, err := rowValues(ev, zones)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	args := make([]any, len(eventColumns))
	for i, c := range eventColumns {
		args[i] = vals[c]
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO events ("+strings.Join(eventColumns, ", ")+") VALUES ("+placeholders(len(eventColumns))+")",
		args...)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

func (r *EventRepo) Update(ctx context.Context, tenantID, id string, upd *model.EventUpdate) (*model.Event, error) {
	var out *model.Event
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := r.update(ctx, tx, tenantID, id, upd, calendarZones(ctx, tx, tenantID))
		out = ev
		return err
	})
	return out, err
}

func (r *EventRepo) UpdateBatch(ctx context.Context, tenantID string, upds []BatchUpdate) ([]*model.Event, error) {
	out := make([]*model.Event, 0, len(upds))
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		zones := calendarZones(ctx, tx, tenantID)
		for _, u := range upds {
			ev, err := r.update(ctx, tx, tenantID, u.ID, u.Update, zones)
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *EventRepo) update(ctx context.Context, q querier, tenantID, id string, upd *model.EventUpdate, zones zoneLookup) (*model.Event, error) {
	ev, err := scanEvent(q.QueryRowContext(ctx, selectEvents+"WHERE tenant_id = ? AND id = ?", tenantID, id))
	if err != nil {
		return nil, notFound(err)
	}
	if upd.Empty() {
		return ev, nil
	}
	upd.ApplyTo(ev)
	ev.UpdatedAt = r.db.now().UTC()
	ev.UpdatedSource = upd.Source()

	vals, err := rowValues(ev, zones)
	if err != nil {
		return nil, fmt.Errorf("update event %s: %w", id, err)
	}
	var (
		sets []string
		args []any
	)
	for _, f := range upd.Fields() {
		for _, c := range fieldColumns[f] {
			sets = append(sets, c+" = ?")
			args = append(args, vals[c])
		}
	}
	sets = append(sets, "updated_at = ?", "updated_source = ?")
	args = append(args, vals["updated_at"], vals["updated_source"], tenantID, id)
	if _, err := q.ExecContext(ctx,
		"UPDATE events SET "+strings.Join(sets, ", ")+" WHERE tenant_id = ? AND id = ?", args...); err != nil {
		return nil, fmt.Errorf("update event %s: %w", id, err)
	}
	return ev, nil
}

func (r *EventRepo) SetExternalID(ctx context.Context, tenantID, id, externalID string, override *bool) error {
	query := "UPDATE events SET external_id = ?, updated_at = ?"
	args := []any{externalID, fmtTime(r.db.now())}
	if override != nil {
		query += ", override = ?"
		args = append(args, boolInt(*override))
	}
	args = append(args, tenantID, id)
	res, err := r.db.conn.ExecContext(ctx, query+" WHERE tenant_id = ? AND id = ?", args...)
	if err != nil {
		return fmt.Errorf("set external id of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *EventRepo) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.conn.ExecContext(ctx, `DELETE FROM events WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *EventRepo) DeleteBatch(ctx context.Context, tenantID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	total := 0
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		total, err = deleteEvents(ctx, tx, tenantID, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func deleteEvents(ctx context.Context, q querier, tenantID string, ids []string) (int, error) {
	total := 0
	for start := 0; start < len(ids); start += DefaultPageSize {
		chunk := ids[start:min(start+DefaultPageSize, len(ids))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, tenantID)
		for _, id := range chunk {
			args = append(args, id)
		}
		res, err := q.ExecContext(ctx,
			"DELETE FROM events WHERE tenant_id = ? AND id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return 0, fmt.Errorf("delete events: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func queryEvents(ctx context.Context, q querier, where string, args ...any) ([]*model.Event, error) {
	rows, err := q.QueryContext(ctx, selectEvents+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func rowValues(ev *model.Event, zones zoneLookup) (map[string]any, error) {
	if err := model.ValidateWhen(ev.When); err != nil {
		return nil, err
	}
	span, err := ev.When.ToUTCTimeSpan(func() (*time.Location, error) { return zones(ev.CalendarID) })
	if err != nil {
		return nil, err
	}
	kind, ws, we := encodeWhen(ev.When)
	var (
		effZone          string
		effStart, effEnd int64
	)
	if eff := effectiveOf(ev.When); eff != nil {
		effZone, effStart, effEnd = eff.Zone, eff.Span.Start.Unix(), eff.Span.End.Unix()
	}

	var (
		rrule, exdate, recTZ, masterID, masterExt, original string
		override                                           bool
	)
	switch rec := ev.Recurrence.(type) {
	case model.Master:
		rrule, exdate, recTZ = rec.RRule, rec.ExDate, rec.Timezone
	case model.Instance:
		masterID, masterExt, override = rec.MasterID, rec.MasterExternalID, rec.Override
		original = fmtTime(rec.OriginalStart)
	}

	participants, err := json.Marshal(nonNil(ev.Participants))
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}
	meta := ev.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	return map[string]any{
		"id":                 ev.ID,
		"tenant_id":          ev.TenantID,
		"calendar_id":        ev.CalendarID,
		"external_id":        ev.ExternalID,
		"ical_uid":           ev.ICalUID,
		"title":              ev.Title,
		"description":        ev.Description,
		"location":           ev.Location,
		"when_kind":          string(kind),
		"when_start":         ws,
		"when_end":           we,
		"eff_zone":           effZone,
		"eff_start":          effStart,
		"eff_end":            effEnd,
		"start_utc":          span.Start.Unix(),
		"end_utc":            span.End.Unix(),
		"rec_kind":           string(model.KindOf(ev.Recurrence)),
		"rrule":              rrule,
		"exdate":             exdate,
		"rec_timezone":       recTZ,
		"master_id":          masterID,
		"master_external_id": masterExt,
		"original_start":     original,
		"override":           boolInt(override),
		"status":             string(ev.Status),
		"busy":               boolInt(ev.Busy),
		"read_only":          boolInt(ev.ReadOnly),
		"checkin_at":         fmtTimePtr(ev.CheckinAt),
		"checkout_at":        fmtTimePtr(ev.CheckoutAt),
		"owner":              ev.Owner,
		"participants":       string(participants),
		"metadata":           string(metadata),
		"created_at":         fmtTime(ev.CreatedAt),
		"updated_at":         fmtTime(ev.UpdatedAt),
		"created_source":     string(ev.CreatedSource),
		"updated_source":     string(ev.UpdatedSource),
	}, nil
}

func nonNil(p []model.Participant) []model.Participant {
	if p == nil {
		return []model.Participant{}
	}
	return p
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var (
		ev                                             model.Event
		whenKind, whenStart, whenEnd, effZone          string
		effStart, effEnd, startUTC, endUTC             int64
		recKind, rrule, exdate, recTZ, masterID        string
		masterExt, original, status, checkin, checkout string
		participants, metadata, created, updated       string
		createdSrc, updatedSrc                         string
		override, busy, readOnly                       int
	)
	err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.CalendarID, &ev.ExternalID, &ev.ICalUID,
		&ev.Title, &ev.Description, &ev.Location,
		&whenKind, &whenStart, &whenEnd, &effZone, &effStart, &effEnd, &startUTC, &endUTC,
		&recKind, &rrule, &exdate, &recTZ, &masterID, &masterExt, &original, &override,
		&status, &busy, &readOnly, &checkin, &checkout, &ev.Owner, &participants, &metadata,
		&created, &updated, &createdSrc, &updatedSrc,
	)
	if err != nil {
		return nil, err
	}

	if ev.When, err = decodeWhen(model.WhenKind(whenKind), whenStart, whenEnd, effZone, effStart, effEnd); err != nil {
		return nil, fmt.Errorf("decode when of %s: %w", ev.ID, err)
	}
	switch model.RecurrenceKind(recKind) {
	case model.RecurrenceMaster:
		ev.Recurrence = model.Master{RRule: rrule, ExDate: exdate, Timezone: recTZ}
	case model.RecurrenceInstance:
		orig, err := parseTime(original)
		if err != nil {
			return nil, fmt.Errorf("decode original start of %s: %w", ev.ID, err)
		}
		ev.Recurrence = model.Instance{MasterID: masterID, MasterExternalID: masterExt, OriginalStart: orig, Override: override != 0}
	default:
		ev.Recurrence = model.NoRecurrence{}
	}

	ev.Status = model.Status(status)
	ev.Busy = busy != 0
	ev.ReadOnly = readOnly != 0
	if ev.CheckinAt, err = parseTimePtr(checkin); err != nil {
		return nil, err
	}
	if ev.CheckoutAt, err = parseTimePtr(checkout); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &ev.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of %s: %w", ev.ID, err)
	}
	if len(ev.Participants) == 0 {
		ev.Participants = nil
	}
	if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", ev.ID, err)
	}
	if len(ev.Metadata) == 0 {
		ev.Metadata = nil
	}
	if ev.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if ev.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	ev.CreatedSource = model.DataSource(createdSrc)
	ev.UpdatedSource = model.DataSource(updatedSrc)
	return &ev, nil
}

func encodeWhen(w model.When) (model.WhenKind, string, string) {
	switch v := w.(type) {
	case model.TimeSpan:
		return v.Kind(), fmtTime(v.Start), fmtTime(v.End)
	case model.DateSpan:
		return v.Kind(), v.Start.String(), v.End.String()
	case model.SingleDate:
		return v.Kind(), v.Day.String(), ""
	default:
		return "", "", ""
	}
}

func effectiveOf(w model.When) *model.Effective {
	switch v := w.(type) {
	case model.DateSpan:
		return v.Effective
	case model.SingleDate:
		return v.Effective
	default:
		return nil
	}
}

func decodeWhen(kind model.WhenKind, start, end, effZone string, effStart, effEnd int64) (model.When, error) {
	var eff *model.Effective
	if effZone != "" {
		eff = &model.Effective{Zone: effZone, Span: model.TimeSpan{
			Start: time.Unix(effStart, 0).UTC(),
			End:   time.Unix(effEnd, 0).UTC(),
		}}
	}
	switch kind {
	case model.KindTimeSpan:
		s, err := parseTime(start)
		if err != nil {
			return nil, err
		}
		e, err := parseTime(end)
		if err != nil {
			return nil, err
		}
		return model.TimeSpan{Start: s, End: e}, nil
	case model.KindDateSpan:
		s, err := model.ParseDate(start)
		if err != nil {
			return nil, err
		}
		e, err := model.ParseDate(end)
		if err != nil {
			return nil, err
		}
		return model.DateSpan{Start: s, End: e, Effective: eff}, nil
	case model.KindDate:
		d, err := model.ParseDate(start)
		if err != nil {
			return nil, err
		}
		return model.SingleDate{Day: d, Effective: eff}, nil
	default:
		return nil, fmt.Errorf("unknown when kind %q", kind)
	}
}
