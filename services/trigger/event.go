package trigger

import (
	"context"
	"encoding/json"
	"time"

	"smallbiznis-autopost/pkg/gen"

	"gorm.io/datatypes"
)

// Event is a named occurrence rules can subscribe to. Payload is the trigger
// context that rule conditions are evaluated against.
type Event struct {
	ID         string         `json:"id"`
	OrgID      string         `json:"org_id"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload"`
	Depth      int            `json:"depth"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func NewEvent(orgID, name string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:         gen.EventID(),
		OrgID:      orgID,
		Name:       name,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
	}
}

// Child derives a follow-up event one level deeper in the cascade.
func (e Event) Child(name string, payload map[string]any) Event {
	c := NewEvent(e.OrgID, name, payload)
	c.Depth = e.Depth + 1
	return c
}

// Context returns the map rule conditions see: the payload plus event metadata.
func (e Event) Context() map[string]any {
	ctx := make(map[string]any, len(e.Payload)+3)
	for k, v := range e.Payload {
		ctx[k] = v
	}
	ctx["event_id"] = e.ID
	ctx["org_id"] = e.OrgID
	ctx["trigger"] = e.Name
	return ctx
}

type Handler func(ctx context.Context, ev Event) error

// Bus delivers events to the handlers subscribed to the event name.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(name string, h Handler)
}

// Sink receives a copy of every published event.
type Sink interface {
	Mirror(ctx context.Context, ev Event) error
}

type EventLog struct {
	ID        string         `gorm:"column:id;primaryKey"`
	OrgID     string         `gorm:"column:org_id;index"`
	Name      string         `gorm:"column:name;index"`
	Payload   datatypes.JSON `gorm:"column:payload"`
	Depth     int            `gorm:"column:depth"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (EventLog) TableName() string { return "trigger_event_logs" }

func toLog(ev Event) (*EventLog, error) {
	b, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}
	return &EventLog{
		ID:        ev.ID,
		OrgID:     ev.OrgID,
		Name:      ev.Name,
		Payload:   datatypes.JSON(b),
		Depth:     ev.Depth,
		CreatedAt: ev.OccurredAt,
	}, nil
}

type eventKey struct{}

// WithEvent carries the event being handled, so follow-up events published
// further down the call chain inherit its depth.
func WithEvent(ctx context.Context, ev Event) context.Context {
	return context.WithValue(ctx, eventKey{}, ev)
}

func FromContext(ctx context.Context) (Event, bool) {
	ev, ok := ctx.Value(eventKey{}).(Event)
	return ev, ok
}

// Derive builds a follow-up of the event in ctx, or a root event for orgID.
func Derive(ctx context.Context, orgID, name string, payload map[string]any) Event {
	if parent, ok := FromContext(ctx); ok && parent.OrgID == orgID {
		return parent.Child(name, payload)
	}
	return NewEvent(orgID, name, payload)
}
