package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InboundEvent is the wire form of a domain event as published by the CRM layer
// over HTTP or NATS.
type InboundEvent struct {
	ID         string           `json:"id"`
	TenantID   string           `json:"tenant_id"`
	Name       string           `json:"name"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	OccurredAt *time.Time       `json:"occurred_at"`
	Fields     map[string]Value `json:"fields"`
	Previous   map[string]Value `json:"previous"`
}

// EventAdapter 将 CRM 原始事件规范化为引擎使用的 Event
type EventAdapter struct {
	now func() time.Time
}

func NewEventAdapter() *EventAdapter {
	return &EventAdapter{now: time.Now}
}

// Normalize validates the inbound event and fills in defaults. Name, tenant and
// entity id are mandatory; everything else has a fallback.
func (a *EventAdapter) Normalize(in InboundEvent) (Event, error) {
	name := strings.TrimSpace(in.Name)
	tenant := strings.TrimSpace(in.TenantID)
	entity := strings.TrimSpace(in.EntityID)

	var missing []string
	if name == "" {
		missing = append(missing, "name")
	}
	if tenant == "" {
		missing = append(missing, "tenant_id")
	}
	if entity == "" {
		missing = append(missing, "entity_id")
	}
	if len(missing) > 0 {
		return Event{}, fmt.Errorf("%w: missing %s", ErrMalformedEvent, strings.Join(missing, ", "))
	}

	evt := Event{
		ID:         strings.TrimSpace(in.ID),
		TenantID:   tenant,
		Name:       name,
		EntityType: strings.TrimSpace(in.EntityType),
		EntityID:   entity,
		Fields:     copyValues(in.Fields),
		Previous:   copyValues(in.Previous),
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.EntityType == "" {
		evt.EntityType = entityTypeOf(name)
	}
	if in.OccurredAt != nil && !in.OccurredAt.IsZero() {
		evt.OccurredAt = in.OccurredAt.UTC()
	} else {
		evt.OccurredAt = a.now().UTC()
	}
	return evt, nil
}

// entityTypeOf returns "lead" for "lead.created".
func entityTypeOf(eventName string) string {
	if i := strings.Index(eventName, "."); i > 0 {
		return eventName[:i]
	}
	return eventName
}

func copyValues(in map[string]Value) map[string]Value {
	out := make(map[string]Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
