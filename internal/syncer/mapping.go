package syncer

import (
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/provider"
)

// toLocal maps a Provider event onto the local shape. master is the local
// master of an instance and may be nil, in which case the instance is
// imported as a one-off event.
func toLocal(pe *provider.Event, cal *model.Calendar, master *model.Event) *model.Event {
	ev := &model.Event{
		TenantID:     cal.TenantID,
		CalendarID:   cal.ID,
		ExternalID:   pe.ID,
		ICalUID:      pe.ICalUID,
		Title:        pe.Title,
		Description:  pe.Description,
		Location:     pe.Location,
		When:         pe.When,
		Recurrence:   model.NoRecurrence{},
		Status:       model.Status(pe.Status),
		Busy:         pe.Busy,
		ReadOnly:     pe.ReadOnly || cal.ReadOnly,
		Owner:        pe.Owner,
		Participants: pe.Participants,
		CheckinAt:    metaTime(pe.Metadata, provider.MetaCheckinAt),
		CheckoutAt:   metaTime(pe.Metadata, provider.MetaCheckoutAt),
	}
	if ev.Status == "" {
		ev.Status = model.StatusConfirmed
	}
	if w, err := model.WithEffective(pe.When, calendarZone(cal)); err == nil {
		ev.When = w
	}

	switch {
	case pe.IsMaster():
		tz := pe.Timezone
		if tz == "" {
			tz = cal.Timezone
		}
		allDay := pe.When != nil && pe.When.AllDay()
		m, err := model.NewMaster(pe.Recurrence, tz, &allDay)
		if err != nil {
			appLog.Error("provider master has invalid recurrence, importing as one-off", err,
				"external_id", pe.ID, "calendar_id", cal.ID)
			break
		}
		ev.Recurrence = m
	case pe.IsInstance():
		if master == nil {
			appLog.Error("instance master not found locally, importing as one-off", nil,
				"external_id", pe.ID, "master_external_id", pe.MasterEventID, "calendar_id", cal.ID)
			break
		}
		ev.Recurrence = model.Instance{
			MasterID:         master.ID,
			MasterExternalID: pe.MasterEventID,
			OriginalStart:    pe.OriginalStart.UTC(),
			Override:         pe.Override,
		}
	}
	return ev
}

// toProvider builds the Provider payload of a local event. master is the
// local master of an instance.
func toProvider(ev *model.Event, cal *model.Calendar, master *model.Event) provider.Event {
	pe := provider.Event{
		ID:           ev.ExternalID,
		CalendarID:   cal.ExternalID,
		ICalUID:      ev.ICalUID,
		Title:        ev.Title,
		Description:  ev.Description,
		Location:     ev.Location,
		When:         ev.When,
		Status:       string(ev.Status),
		Busy:         ev.Busy,
		Owner:        ev.Owner,
		Participants: ev.Participants,
	}
	if pe.Status == "" {
		pe.Status = string(model.StatusConfirmed)
	}
	if ev.CheckinAt != nil || ev.CheckoutAt != nil {
		pe.Metadata = make(map[string]string, 2)
		if ev.CheckinAt != nil {
			pe.Metadata[provider.MetaCheckinAt] = ev.CheckinAt.UTC().Format(time.RFC3339)
		}
		if ev.CheckoutAt != nil {
			pe.Metadata[provider.MetaCheckoutAt] = ev.CheckoutAt.UTC().Format(time.RFC3339)
		}
	}
	switch rec := ev.Recurrence.(type) {
	case model.Master:
		pe.Recurrence = rec.Lines()
		pe.Timezone = rec.Timezone
		if pe.Timezone == "" {
			pe.Timezone = cal.Timezone
		}
	case model.Instance:
		pe.MasterEventID = rec.MasterExternalID
		if master != nil && master.ExternalID != "" {
			pe.MasterEventID = master.ExternalID
		}
		pe.OriginalStart = rec.OriginalStart
		pe.Override = rec.Override
	}
	return pe
}

// remoteFields are compared when reconciling against the Provider.
var remoteFields = model.ProviderFields

func metaTime(meta map[string]string, key string) *time.Time {
	v, ok := meta[key]
	if !ok || v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}
