package internal

import (
	"fmt"
	"slices"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
)

// RoomStatus 房間狀態
//
// 有限狀態機：
//
//	waiting → preparing → racing → finished
//	   └──────────┴──────────┴─────────┴──→ closed
//
// 轉換規則：
//   - waiting → preparing：管理員設定比賽（ConfigureRace）
//   - preparing → racing：管理員開始比賽（StartRace）
//   - racing → finished：收到 race_finish 事件（FinishRace）
//   - 任何未關閉狀態 → closed：管理員關閉（CloseRoom）
//
// closed 為終止狀態，房間不會回到 waiting；需要新比賽就建立新房間。
type RoomStatus string

const (
	StatusWaiting   RoomStatus = "waiting"   // 等待玩家加入
	StatusPreparing RoomStatus = "preparing" // 已設定比賽，等待開始
	StatusRacing    RoomStatus = "racing"    // 比賽進行中
	StatusFinished  RoomStatus = "finished"  // 比賽結束
	StatusClosed    RoomStatus = "closed"    // 房間關閉，等待清除
)

// AllStatuses 依生命週期排序的所有狀態
var AllStatuses = []RoomStatus{StatusWaiting, StatusPreparing, StatusRacing, StatusFinished, StatusClosed}

// transitions 合法的狀態轉換表
var transitions = map[RoomStatus][]RoomStatus{
	StatusWaiting:   {StatusPreparing, StatusClosed},
	StatusPreparing: {StatusRacing, StatusClosed},
	StatusRacing:    {StatusFinished, StatusClosed},
	StatusFinished:  {StatusClosed},
	StatusClosed:    nil,
}

// Valid 檢查是否為已知狀態
func (s RoomStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo 檢查狀態轉換是否合法
func (s RoomStatus) CanTransitionTo(next RoomStatus) bool {
	return slices.Contains(transitions[s], next)
}

// IsTerminal 已結束或已關閉的房間可被過期清理
func (s RoomStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusClosed
}

// Participant 房間內的玩家
type Participant struct {
	UserID     string    `json:"userId"`
	Username   string    `json:"username"`
	Generation int       `json:"generation"` // AI 模型世代，由客戶端提供
	JoinedAt   time.Time `json:"joinedAt"`
	SocketID   string    `json:"socketId"` // 目前的連接，重連時原地更新
}

// RaceSettings 比賽參數
type RaceSettings struct {
	TimeLimit int `json:"timeLimit"` // 秒，0 表示不限時
	Laps      int `json:"laps,omitempty"`
	Countdown int `json:"countdown,omitempty"` // 開賽倒數秒數
}

// RaceConfiguration 比賽設定
type RaceConfiguration struct {
	TrackID      string        `json:"trackId"`
	AIModelIDs   []string      `json:"aiModelIds"`
	RaceSettings *RaceSettings `json:"raceSettings"`
}

// Validate 結構檢查（不查詢賽道或模型是否存在）
func (c *RaceConfiguration) Validate() error {
	if c == nil {
		return apperrors.ErrInvalidConfig.WithDetails("race configuration is required")
	}
	if strings.TrimSpace(c.TrackID) == "" {
		return apperrors.ErrInvalidConfig.WithDetails("trackId is required")
	}
	if len(c.AIModelIDs) == 0 {
		return apperrors.ErrInvalidConfig.WithDetails("aiModelIds must not be empty")
	}
	for i, id := range c.AIModelIDs {
		if strings.TrimSpace(id) == "" {
			return apperrors.ErrInvalidConfig.WithDetails(fmt.Sprintf("aiModelIds[%d] is empty", i))
		}
	}
	if c.RaceSettings == nil {
		return apperrors.ErrInvalidConfig.WithDetails("raceSettings is required")
	}
	if c.RaceSettings.TimeLimit < 0 || c.RaceSettings.Laps < 0 || c.RaceSettings.Countdown < 0 {
		return apperrors.ErrInvalidConfig.WithDetails("raceSettings values must not be negative")
	}
	return nil
}

// Clone 深拷貝
func (c *RaceConfiguration) Clone() *RaceConfiguration {
	if c == nil {
		return nil
	}
	cp := &RaceConfiguration{
		TrackID:    c.TrackID,
		AIModelIDs: slices.Clone(c.AIModelIDs),
	}
	if c.RaceSettings != nil {
		settings := *c.RaceSettings
		cp.RaceSettings = &settings
	}
	return cp
}

// Room 比賽房間
//
// 不變量：
//   - len(Participants) <= MaxParticipants
//   - RaceConfig 只在 preparing/racing/finished 狀態存在
//   - 每個 UserID 在房間內至多一筆 Participant
//
// Room 只由 Registry 在持有鎖時修改；對外一律返回 Clone。
type Room struct {
	ID              string             `json:"id"`
	Status          RoomStatus         `json:"status"`
	Participants    []Participant      `json:"participants"`
	RaceConfig      *RaceConfiguration `json:"raceConfig,omitempty"`
	TrackSeed       string             `json:"trackSeed,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	FinishedAt      *time.Time         `json:"finishedAt,omitempty"`
	MaxParticipants int                `json:"maxParticipants"`
	AdminID         string             `json:"adminId"`
}

// newRoom 創建等待中的空房間
func newRoom(id, adminID string, maxParticipants int, now time.Time) *Room {
	return &Room{
		ID:              id,
		Status:          StatusWaiting,
		Participants:    make([]Participant, 0, maxParticipants),
		CreatedAt:       now,
		MaxParticipants: maxParticipants,
		AdminID:         adminID,
	}
}

// Clone 深拷貝房間狀態
func (r *Room) Clone() *Room {
	cp := *r
	cp.Participants = slices.Clone(r.Participants)
	if cp.Participants == nil {
		cp.Participants = []Participant{}
	}
	cp.RaceConfig = r.RaceConfig.Clone()
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// IsFull 房間是否已滿
func (r *Room) IsFull() bool {
	return len(r.Participants) >= r.MaxParticipants
}

// IsAvailable 可供新玩家加入
func (r *Room) IsAvailable() bool {
	return r.Status == StatusWaiting && !r.IsFull()
}

// Participant 依用戶 ID 查詢玩家
func (r *Room) Participant(userID string) (Participant, bool) {
	if i := r.participantIndex(userID); i >= 0 {
		return r.Participants[i], true
	}
	return Participant{}, false
}

func (r *Room) participantIndex(userID string) int {
	return slices.IndexFunc(r.Participants, func(p Participant) bool {
		return p.UserID == userID
	})
}

func (r *Room) removeParticipantAt(i int) Participant {
	p := r.Participants[i]
	r.Participants = slices.Delete(r.Participants, i, i+1)
	return p
}

// transition 執行狀態轉換，非法轉換返回 INVALID_STATE
func (r *Room) transition(next RoomStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return apperrors.ErrInvalidState.WithDetails(
			fmt.Sprintf("room %s cannot move from %s to %s", r.ID, r.Status, next))
	}
	r.Status = next
	// 比賽設定只存在於 preparing/racing/finished
	if next == StatusClosed {
		r.RaceConfig = nil
	}
	return nil
}

// requireStatus 檢查目前狀態
func (r *Room) requireStatus(want RoomStatus, action string) error {
	if r.Status != want {
		return apperrors.ErrInvalidState.WithDetails(
			fmt.Sprintf("cannot %s: room %s is %s, expected %s", action, r.ID, r.Status, want))
	}
	return nil
}
