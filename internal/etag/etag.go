// Package etag is the change-detection cache: an opaque fingerprint of the
// last-seen mutable state of each Provider event, kept in the shared kv
// store with an expiry. Equal fingerprints mean reconciliation can be
// skipped; a missing or differing one means it must run.
package etag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"calsync/internal/kv"
	"calsync/internal/model"
	"calsync/internal/provider"
)

const (
	keyPrefix = "etag:"
	domain    = "calsync/etag/v1"
)

// DefaultTTL keeps fingerprints for roughly one polling cycle plus slack.
const DefaultTTL = 72 * time.Hour

type fingerprint struct {
	CalendarID    string              `json:"calendar_id"`
	ICalUID       string              `json:"ical_uid"`
	Title         string              `json:"title"`
	Description   string              `json:"description"`
	Location      string              `json:"location"`
	When          []string            `json:"when"`
	Recurrence    []string            `json:"recurrence"`
	Timezone      string              `json:"timezone"`
	MasterEventID string              `json:"master_event_id"`
	OriginalStart string              `json:"original_start"`
	Override      bool                `json:"override"`
	Status        string              `json:"status"`
	Busy          bool                `json:"busy"`
	ReadOnly      bool                `json:"read_only"`
	Owner         string              `json:"owner"`
	Participants  []model.Participant `json:"participants"`
	Metadata      map[string]string   `json:"metadata"`
}

// Compute fingerprints the mutable fields of ev. UpdatedAt is excluded;
// the Provider bumps it on no-op writes.
func Compute(ev *provider.Event) string {
	fp := fingerprint{
		CalendarID:    ev.CalendarID,
		ICalUID:       ev.ICalUID,
		Title:         ev.Title,
		Description:   ev.Description,
		Location:      ev.Location,
		When:          whenParts(ev.When),
		Recurrence:    ev.Recurrence,
		Timezone:      ev.Timezone,
		MasterEventID: ev.MasterEventID,
		Override:      ev.Override,
		Status:        ev.Status,
		Busy:          ev.Busy,
		ReadOnly:      ev.ReadOnly,
		Owner:         ev.Owner,
		Participants:  ev.Participants,
		Metadata:      ev.Metadata,
	}
	if !ev.OriginalStart.IsZero() {
		fp.OriginalStart = ev.OriginalStart.UTC().Format(time.RFC3339)
	}
	// Struct fields marshal in declaration order and map keys sorted, so the
	// encoding is canonical.
	data, err := json.Marshal(fp)
	if err != nil {
		panic(fmt.Sprintf("etag: marshal fingerprint: %v", err))
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func whenParts(w model.When) []string {
	switch v := w.(type) {
	case model.TimeSpan:
		return []string{string(v.Kind()), v.Start.UTC().Format(time.RFC3339), v.End.UTC().Format(time.RFC3339)}
	case model.DateSpan:
		return []string{string(v.Kind()), v.Start.String(), v.End.String()}
	case model.SingleDate:
		return []string{string(v.Kind()), v.Day.String()}
	default:
		return nil
	}
}

// Cache stores fingerprints keyed by Provider event id.
type Cache struct {
	store kv.Store
	ttl   time.Duration
}

func NewCache(store kv.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, ttl: ttl}
}

func key(externalID string) string {
	return keyPrefix + externalID
}

// Get returns the cached fingerprint or "" when absent or expired.
func (c *Cache) Get(ctx context.Context, externalID string) (string, error) {
	m, err := c.GetMany(ctx, []string{externalID})
	if err != nil {
		return "", err
	}
	return m[externalID], nil
}

// GetMany returns the live fingerprints among ids keyed by Provider id.
func (c *Cache) GetMany(ctx context.Context, ids []string) (map[string]string, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	vals, err := c.store.GetValues(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("etag get: %w", err)
	}
	out := make(map[string]string, len(vals))
	for i, id := range ids {
		if v, ok := vals[keys[i]]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// Matches reports whether ev's fingerprint equals the cached one.
func (c *Cache) Matches(ctx context.Context, ev *provider.Event) (bool, string, error) {
	tag := Compute(ev)
	cached, err := c.Get(ctx, ev.ID)
	if err != nil {
		return false, tag, err
	}
	return cached != "" && cached == tag, tag, nil
}

// Save stores fingerprints keyed by Provider id in one batch.
func (c *Cache) Save(ctx context.Context, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	vals := make(map[string]string, len(tags))
	for id, tag := range tags {
		vals[key(id)] = tag
	}
	if err := c.store.SetValues(ctx, vals, c.ttl); err != nil {
		return fmt.Errorf("etag save: %w", err)
	}
	return nil
}

// Touch refreshes the expiry of live fingerprints.
func (c *Cache) Touch(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	if err := c.store.TouchValues(ctx, keys, c.ttl); err != nil {
		return fmt.Errorf("etag touch: %w", err)
	}
	return nil
}

// Forget drops fingerprints, e.g. after the event is deleted.
func (c *Cache) Forget(ctx context.Context, ids ...string) error {
	var keys []string
	for _, id := range ids {
		if id != "" {
			keys = append(keys, key(id))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.store.DeleteValues(ctx, keys); err != nil {
		return fmt.Errorf("etag forget: %w", err)
	}
	return nil
}
