package core

import "time"

// SecurityEvent is a single classified security-relevant occurrence.
// Events are immutable once created: producers push them into the
// aggregator, which reduces them into snapshots and discards them.
type SecurityEvent struct {
	Type          string                 `json:"type"`
	Subtype       string                 `json:"subtype"`
	Severity      Severity               `json:"severity"`
	ActorID       string                 `json:"actor_id,omitempty"`
	SourceAddress string                 `json:"source_address,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Key returns the counting key for the event ("type.subtype", or just
// the type when no subtype is set).
func (e SecurityEvent) Key() string {
	if e.Subtype == "" {
		return e.Type
	}
	return e.Type + "." + e.Subtype
}

// Category returns the category the event belongs to.
func (e SecurityEvent) Category() Category {
	return CategoryForEventType(e.Type)
}
