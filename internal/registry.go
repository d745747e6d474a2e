package internal

import (
	"cmp"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
)

const (
	// DefaultMaxParticipants 未指定人數上限時的預設值
	DefaultMaxParticipants = 10

	roomCodeMin         = 1000
	roomCodeMax         = 9999
	maxRoomCodeAttempts = 50
)

// RegistryOptions 房間註冊表配置
type RegistryOptions struct {
	AdminUsername          string        // 唯一的管理員帳號
	DefaultMaxParticipants int           // 預設人數上限
	MaxParticipantsLimit   int           // 人數上限的上界
	CloseGracePeriod       time.Duration // 關閉後延遲清除的時間
	CleanupInterval        time.Duration // 背景清理間隔，0 表示不啟動
	MaxRoomAge             time.Duration // 背景清理使用的房間最大存活時間
	Now                    func() time.Time
}

// Registry 房間註冊表
//
// 所有房間狀態由單一 RWMutex 保護：每個「檢查 → 修改」序列
// （例如容量檢查 + 加入玩家）在同一把寫鎖內完成，因此併發的
// JoinRoom 不會同時通過容量檢查。讀取操作返回深拷貝。
//
// 關閉的房間在 CloseGracePeriod 後被清除；清除排程可透過
// FlushPurges 立即執行，或由 Stop 取消。
type Registry struct {
	rooms  map[string]*Room
	purges map[string]*time.Timer
	mu     sync.RWMutex

	opts   RegistryOptions
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry 創建房間註冊表，並在配置了清理間隔時啟動背景清理
func NewRegistry(opts RegistryOptions, logger *slog.Logger) *Registry {
	if opts.DefaultMaxParticipants <= 0 {
		opts.DefaultMaxParticipants = DefaultMaxParticipants
	}
	if opts.MaxParticipantsLimit <= 0 {
		opts.MaxParticipantsLimit = 100
	}
	if opts.MaxRoomAge <= 0 {
		opts.MaxRoomAge = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		rooms:  make(map[string]*Room),
		purges: make(map[string]*time.Timer),
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if opts.CleanupInterval > 0 {
		r.wg.Add(1)
		go r.cleanupLoop()
	}

	return r
}

// IsAdmin 檢查身分是否為配置的管理員
func (r *Registry) IsAdmin(identity string) bool {
	return r.opts.AdminUsername != "" && identity == r.opts.AdminUsername
}

func (r *Registry) authorize(identity string) error {
	if !r.IsAdmin(identity) {
		return apperrors.ErrUnauthorized
	}
	return nil
}

// CreateRoom 創建房間
//
// maxParticipants <= 0 時使用預設值。房間代碼為 4 位數字，碰撞時重試。
func (r *Registry) CreateRoom(adminIdentity string, maxParticipants int) (*Room, error) {
	if err := r.authorize(adminIdentity); err != nil {
		return nil, err
	}
	if maxParticipants <= 0 {
		maxParticipants = r.opts.DefaultMaxParticipants
	}
	if maxParticipants > r.opts.MaxParticipantsLimit {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"maxParticipants must be between 1 and %d", r.opts.MaxParticipantsLimit)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := r.generateRoomCode()
	if err != nil {
		return nil, err
	}

	room := newRoom(code, adminIdentity, maxParticipants, r.opts.Now())
	r.rooms[code] = room

	r.logger.Info("room created",
		"room_id", code,
		"admin", adminIdentity,
		"max_participants", maxParticipants)

	return room.Clone(), nil
}

// generateRoomCode 生成未使用的 4 位數代碼（需持有寫鎖）
func (r *Registry) generateRoomCode() (string, error) {
	for range maxRoomCodeAttempts {
		code := strconv.Itoa(roomCodeMin + rand.IntN(roomCodeMax-roomCodeMin+1))
		if _, exists := r.rooms[code]; !exists {
			return code, nil
		}
	}

	// 隨機碰撞過多時線性掃描剩餘代碼
	for n := roomCodeMin; n <= roomCodeMax; n++ {
		code := strconv.Itoa(n)
		if _, exists := r.rooms[code]; !exists {
			return code, nil
		}
	}

	return "", apperrors.New(apperrors.ErrCodeCapacity, "no room codes available")
}

// lookup 取得房間（需持有鎖）
func (r *Registry) lookup(roomID string) (*Room, error) {
	room, exists := r.rooms[roomID]
	if !exists {
		return nil, apperrors.ErrRoomNotFound.WithDetails("room " + roomID)
	}
	return room, nil
}

// JoinRoom 加入房間
//
// 已在房間內的用戶視為重連：原地更新 SocketID 並返回房間，
// 除已關閉的房間外不受狀態與容量限制（比賽中斷線的玩家可以回來）。
// 新用戶先檢查狀態再檢查容量。
func (r *Registry) JoinRoom(roomID, userID, username string, generation int, socketID string) (*Room, error) {
	if userID == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "userId is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.lookup(roomID)
	if err != nil {
		return nil, err
	}

	if i := room.participantIndex(userID); i >= 0 {
		if room.Status == StatusClosed {
			return nil, apperrors.ErrInvalidState.WithDetails(
				fmt.Sprintf("cannot rejoin: room %s is closed", roomID))
		}
		room.Participants[i].SocketID = socketID
		r.logger.Info("participant reconnected",
			"room_id", roomID,
			"user_id", userID,
			"socket_id", socketID)
		return room.Clone(), nil
	}

	if err := room.requireStatus(StatusWaiting, "join room"); err != nil {
		return nil, err
	}
	if room.IsFull() {
		return nil, apperrors.ErrRoomFull.WithDetails(
			fmt.Sprintf("room %s allows %d participants", roomID, room.MaxParticipants))
	}

	room.Participants = append(room.Participants, Participant{
		UserID:     userID,
		Username:   username,
		Generation: generation,
		JoinedAt:   r.opts.Now(),
		SocketID:   socketID,
	})

	r.logger.Info("participant joined",
		"room_id", roomID,
		"user_id", userID,
		"participants", len(room.Participants))

	return room.Clone(), nil
}

// LeaveRoom 離開房間
//
// removed 表示玩家是否確實被移除。房間在變空後保留，
// 只有背景清理或管理員關閉會移除房間。
func (r *Registry) LeaveRoom(roomID, userID string) (room *Room, removed bool, err error) {
	return r.leave(roomID, userID, "")
}

// LeaveRoomBySocket 斷線清理
//
// 只有當玩家目前的 SocketID 等於 socketID 時才移除，
// 已經從新連接重連的玩家不會被舊連接的斷線踢出。
func (r *Registry) LeaveRoomBySocket(roomID, userID, socketID string) (room *Room, removed bool, err error) {
	if socketID == "" {
		return nil, false, apperrors.New(apperrors.ErrCodeInvalidInput, "socketId is required")
	}
	return r.leave(roomID, userID, socketID)
}

func (r *Registry) leave(roomID, userID, socketID string) (*Room, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.lookup(roomID)
	if err != nil {
		return nil, false, err
	}

	i := room.participantIndex(userID)
	if i < 0 || (socketID != "" && room.Participants[i].SocketID != socketID) {
		return room.Clone(), false, nil
	}
	room.removeParticipantAt(i)

	r.logger.Info("participant left",
		"room_id", roomID,
		"user_id", userID,
		"participants", len(room.Participants))

	return room.Clone(), true, nil
}

// RemoveParticipant 管理員移除玩家
//
// 玩家不在房間時返回 (nil, nil)。移除後房間變空且不在比賽中時，
// 房間被關閉並排程清除；比賽中的房間即使沒人也保留。
func (r *Registry) RemoveParticipant(roomID, userID string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.lookup(roomID)
	if err != nil {
		return nil, err
	}

	i := room.participantIndex(userID)
	if i < 0 {
		return nil, nil
	}
	room.removeParticipantAt(i)

	r.logger.Info("participant removed",
		"room_id", roomID,
		"user_id", userID,
		"participants", len(room.Participants))

	if len(room.Participants) == 0 && room.Status != StatusRacing && room.Status != StatusClosed {
		_ = room.transition(StatusClosed)
		r.schedulePurge(roomID)
		r.logger.Info("empty room closed", "room_id", roomID)
	}

	return room.Clone(), nil
}

// ConfigureRace 設定比賽：waiting → preparing
func (r *Registry) ConfigureRace(roomID, adminIdentity string, cfg *RaceConfiguration) (*Room, error) {
	if err := r.authorize(adminIdentity); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.lookup(roomID)
	if err != nil {
		return nil, err
	}
	if err := room.requireStatus(StatusWaiting, "configure race"); err != nil {
		return nil, err
	}

	room.RaceConfig = cfg.Clone()
	if err := room.transition(StatusPreparing); err != nil {
		room.RaceConfig = nil
		return nil, err
	}

	r.logger.Info("race configured",
		"room_id", roomID,
		"track_id", cfg.TrackID,
		"ai_models", len(cfg.AIModelIDs))

	return room.Clone(), nil
}

// StartRace 開始比賽：preparing → racing
func (r *Registry) StartRace(roomID, adminIdentity string) (*Room, error) {
	if err := r.authorize(adminIdentity); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.lookup(roomID)
	if err != nil {
		return nil, err
	}
	if err := room.requireStatus(StatusPreparing, "start race"); err != nil {
		return nil, err
	}
	if room.RaceConfig == nil {
		return nil, apperrors.ErrNoRaceConfig
	}
	if len(room.Participants) == 0 {
		return nil, apperrors.ErrNoParticipants
	}

	if err := room.transition(StatusRacing); err != nil {
		return nil, err
	}
	now := r.opts.Now()
	room.StartedAt = &now

	r.logger.Info("race started",
		"room_id", roomID,
		"participants", len(room.Participants))

	return room.Clone(), nil
}

// FinishRace 結束比賽：racing → finished（系統或管理員觸發）
func (r *Registry) FinishRace(roomID string) (*Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.lookup(roomID)
	if err != nil {
		return nil, err
	}
	if err := room.requireStatus(StatusRacing, "finish race"); err != nil {
		return nil, err
	}

	if err := room.transition(StatusFinished); err != nil {
		return nil, err
	}
	now := r.opts.Now()
	room.FinishedAt = &now

	r.logger.Info("race finished", "room_id", roomID)

	return room.Clone(), nil
}

// CloseRoom 關閉房間並排程清除
//
// 房間不存在時返回 false。重複關閉返回 true 但不重新排程。
func (r *Registry) CloseRoom(roomID, adminIdentity string) (bool, error) {
	if err := r.authorize(adminIdentity); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return false, nil
	}
	if room.Status == StatusClosed {
		return true, nil
	}

	if err := room.transition(StatusClosed); err != nil {
		return false, err
	}
	r.schedulePurge(roomID)

	r.logger.Info("room closed",
		"room_id", roomID,
		"grace_period", r.opts.CloseGracePeriod)

	return true, nil
}

// UpdateTrackSeed 設定程序化生成用的種子，不受狀態限制
func (r *Registry) UpdateTrackSeed(roomID, seed string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return false
	}
	room.TrackSeed = seed
	return true
}

// GetRoom 獲取房間快照
func (r *Registry) GetRoom(roomID string) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, err := r.lookup(roomID)
	if err != nil {
		return nil, err
	}
	return room.Clone(), nil
}

// ListAll 列出所有房間（依建立時間排序）
func (r *Registry) ListAll() []*Room {
	return r.list(func(*Room) bool { return true })
}

// ListByStatus 列出指定狀態的房間
func (r *Registry) ListByStatus(status RoomStatus) []*Room {
	return r.list(func(room *Room) bool { return room.Status == status })
}

// ListAvailable 列出可加入的房間（waiting 且未滿）
func (r *Registry) ListAvailable() []*Room {
	return r.list((*Room).IsAvailable)
}

func (r *Registry) list(keep func(*Room) bool) []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		if keep(room) {
			result = append(result, room.Clone())
		}
	}

	slices.SortFunc(result, func(a, b *Room) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result
}

// Stats 管理員統計
type Stats struct {
	TotalRooms        int                `json:"totalRooms"`
	TotalParticipants int                `json:"totalParticipants"`
	AvailableRooms    int                `json:"availableRooms"`
	ByStatus          map[RoomStatus]int `json:"byStatus"`
}

// AdminStats 依狀態統計房間數與總玩家數
func (r *Registry) AdminStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalRooms: len(r.rooms),
		ByStatus:   make(map[RoomStatus]int, len(AllStatuses)),
	}
	for _, s := range AllStatuses {
		stats.ByStatus[s] = 0
	}
	for _, room := range r.rooms {
		stats.ByStatus[room.Status]++
		stats.TotalParticipants += len(room.Participants)
		if room.IsAvailable() {
			stats.AvailableRooms++
		}
	}
	return stats
}

// CleanupExpiredRooms 移除建立時間超過 maxAge 且已結束或已關閉的房間
//
// waiting/preparing/racing 的房間不受影響。返回移除數量。
func (r *Registry) CleanupExpiredRooms(maxAge time.Duration) int {
	cutoff := r.opts.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, room := range r.rooms {
		if !room.Status.IsTerminal() || room.CreatedAt.After(cutoff) {
			continue
		}
		r.deleteRoom(id)
		removed++
	}

	if removed > 0 {
		r.logger.Info("expired rooms cleaned up", "count", removed, "max_age", maxAge)
	}
	return removed
}

// cleanupLoop 定期清理過期房間
func (r *Registry) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCleanup()
		case <-r.stopCh:
			return
		}
	}
}

// runCleanup 背景清理失敗只記錄日誌
func (r *Registry) runCleanup() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("room cleanup panicked", "error", rec)
		}
	}()
	r.CleanupExpiredRooms(r.opts.MaxRoomAge)
}

// schedulePurge 排程清除已關閉的房間（需持有寫鎖）
func (r *Registry) schedulePurge(roomID string) {
	if t, exists := r.purges[roomID]; exists {
		t.Stop()
	}
	r.purges[roomID] = time.AfterFunc(r.opts.CloseGracePeriod, func() {
		r.purge(roomID)
	})
}

// purge 清除仍處於 closed 狀態的房間
func (r *Registry) purge(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.purges, roomID)
	if room, exists := r.rooms[roomID]; exists && room.Status == StatusClosed {
		delete(r.rooms, roomID)
		r.logger.Info("closed room purged", "room_id", roomID)
	}
}

// deleteRoom 移除房間並取消排程（需持有寫鎖）
func (r *Registry) deleteRoom(roomID string) {
	if t, exists := r.purges[roomID]; exists {
		t.Stop()
		delete(r.purges, roomID)
	}
	delete(r.rooms, roomID)
}

// PendingPurges 尚未執行的清除排程數
func (r *Registry) PendingPurges() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.purges)
}

// FlushPurges 立即執行所有尚未觸發的清除排程，返回清除的房間數
func (r *Registry) FlushPurges() int {
	r.mu.Lock()
	pending := make([]string, 0, len(r.purges))
	for id, t := range r.purges {
		if t.Stop() {
			pending = append(pending, id)
		}
	}
	r.mu.Unlock()

	for _, id := range pending {
		r.purge(id)
	}
	return len(pending)
}

// Stop 停止背景清理並取消所有清除排程
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()

		r.mu.Lock()
		for id, t := range r.purges {
			t.Stop()
			delete(r.purges, id)
		}
		r.mu.Unlock()

		r.logger.Info("room registry stopped")
	})
}
