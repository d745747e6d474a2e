package internal

import (
	"context"
	"time"
)

// EventType 房間生命週期事件
type EventType string

const (
	EventRoomCreated    EventType = "room.created"
	EventRaceConfigured EventType = "race.configured"
	EventRaceStarted    EventType = "race.started"
	EventRaceFinished   EventType = "race.finished"
	EventRoomClosed     EventType = "room.closed"
)

// LifecycleEvent 輸出給統計服務的事件
type LifecycleEvent struct {
	Type         EventType          `json:"type"`
	RoomID       string             `json:"roomId"`
	Status       RoomStatus         `json:"status"`
	Participants []string           `json:"participants,omitempty"`
	RaceConfig   *RaceConfiguration `json:"raceConfig,omitempty"`
	OccurredAt   time.Time          `json:"occurredAt"`
}

// NewLifecycleEvent 從房間快照建立事件
func NewLifecycleEvent(typ EventType, room *Room, now time.Time) LifecycleEvent {
	ids := make([]string, 0, len(room.Participants))
	for _, p := range room.Participants {
		ids = append(ids, p.UserID)
	}
	return LifecycleEvent{
		Type:         typ,
		RoomID:       room.ID,
		Status:       room.Status,
		Participants: ids,
		RaceConfig:   room.RaceConfig.Clone(),
		OccurredAt:   now,
	}
}

// EventPublisher 發布生命週期事件
//
// 發布是盡力而為：失敗只記錄日誌，不影響房間狀態。
type EventPublisher interface {
	Publish(ctx context.Context, event LifecycleEvent) error
}

// NoopPublisher 不發布任何事件
type NoopPublisher struct{}

// Publish 直接返回
func (NoopPublisher) Publish(context.Context, LifecycleEvent) error { return nil }
