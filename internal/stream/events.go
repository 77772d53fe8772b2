// Package stream carries chapter progress events from the orchestrator
// to subscribers: in-process channels first, websocket clients at the
// edge. Delivery per subscriber is ordered; a subscriber that cannot
// keep up loses events rather than stalling generation.
package stream

import (
	"encoding/json"
	"time"
)

// EventType enumerates progress event kinds.
type EventType string

const (
	EventStageStart      EventType = "stage_start"
	EventStageComplete   EventType = "stage_complete"
	EventSectionReady    EventType = "section_ready"
	EventChapterComplete EventType = "chapter_complete"
	EventChapterFailed   EventType = "chapter_failed"
	EventHeartbeat       EventType = "heartbeat"
)

// Event is one progress update for one chapter.
type Event struct {
	Type        EventType       `json:"type"`
	ChapterID   string          `json:"chapter_id"`
	Stage       string          `json:"stage,omitempty"`
	StageNumber int             `json:"stage_number,omitempty"`
	TotalStages int             `json:"total_stages,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Bus is the producer-side interface the orchestrator publishes to.
type Bus interface {
	Publish(ev Event)
}

// NopBus drops every event.
type NopBus struct{}

func (NopBus) Publish(Event) {}
