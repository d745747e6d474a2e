package internal

import (
	"context"
	"encoding/json"
	"runtime/debug"

	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
)

// messageHandler 處理一種入站消息
//
// identity 是本次消息的已驗證身份：消息帶 token 時為重新驗證的結果，
// 否則為連接建立時的身份。
type messageHandler func(ctx context.Context, c *Connection, identity Identity, data json.RawMessage) error

func (g *Gateway) handlers() map[string]messageHandler {
	return map[string]messageHandler{
		MsgPing:              g.handlePing,
		MsgCreateRoom:        g.handleCreateRoom,
		MsgJoinRoom:          g.handleJoinRoom,
		MsgLeaveRoom:         g.handleLeaveRoom,
		MsgConfigureRace:     g.handleConfigureRace,
		MsgStartRace:         g.handleStartRace,
		MsgPositionUpdate:    g.handlePositionUpdate,
		MsgRaceEvent:         g.handleRaceEvent,
		MsgGetRoomStatus:     g.handleGetRoomStatus,
		MsgCloseRoom:         g.handleCloseRoom,
		MsgRemoveParticipant: g.handleRemoveParticipant,
		MsgSetTrackSeed:      g.handleSetTrackSeed,
	}
}

// handleMessage 處理單一消息
//
// 任何錯誤（包括 panic）都轉成 error 事件只送回發送者，
// 連接保持開啟，其他連接與房間不受影響。
func (g *Gateway) handleMessage(ctx context.Context, c *Connection, raw []byte) {
	var msg InboundMessage
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.ErrorContext(ctx, "message handler panic",
				"type", msg.Type,
				"panic", rec,
				"stack", string(debug.Stack()))
			g.send(c, EvtError, ErrorPayload{
				Message: "internal error",
				Code:    apperrors.ErrCodeInternal,
				Type:    msg.Type,
			})
		}
	}()

	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendError(c, "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed message"))
		return
	}

	handler, ok := g.dispatch[msg.Type]
	if !ok {
		g.sendError(c, msg.Type, apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown message type %q", msg.Type))
		return
	}

	identity := c.Identity
	if msg.Token != "" {
		verified, err := g.auth.Verify(msg.Token)
		if err != nil {
			g.sendError(c, msg.Type, err)
			return
		}
		identity = verified
	}

	if err := handler(ctx, c, identity, msg.Data); err != nil {
		g.logger.DebugContext(ctx, "message rejected", "type", msg.Type, "error", err)
		g.sendError(c, msg.Type, err)
	}
}

func (g *Gateway) sendError(c *Connection, msgType string, err error) {
	if apperrors.CodeOf(err) == apperrors.ErrCodeInternal {
		g.logger.Error("message failed", "conn_id", c.ID, "type", msgType, "error", err)
	}
	g.send(c, EvtError, newErrorPayload(msgType, err))
}

// requireAdmin 以憑證身份判斷管理員
//
// claimed 為消息中的 adminUsername，必填且必須與憑證身份一致。
func requireAdmin(identity Identity, claimed string) (string, error) {
	if claimed == "" {
		return "", apperrors.ErrUnauthorized.WithDetails("adminUsername is required")
	}
	if claimed != identity.Username {
		return "", apperrors.ErrUnauthorized.WithDetails("adminUsername does not match credential")
	}
	return requireAdminIdentity(identity)
}

// requireAdminIdentity 不帶 adminUsername 的消息（位置、事件、種子）只看憑證
func requireAdminIdentity(identity Identity) (string, error) {
	if !identity.IsAdmin {
		return "", apperrors.ErrUnauthorized
	}
	return identity.Username, nil
}

// resolveUserID 玩家只能以自己的身份加入或離開
func resolveUserID(identity Identity, requested string) (string, error) {
	if requested == "" {
		requested = identity.UserID
	}
	if requested == "" {
		return "", apperrors.New(apperrors.ErrCodeInvalidInput, "userId is required")
	}
	if identity.UserID != "" && requested != identity.UserID {
		return "", apperrors.New(apperrors.ErrCodeUnauthorized, "userId does not match credential")
	}
	return requested, nil
}

type roomPayload struct {
	Room *Room `json:"room"`
}

type roomIDPayload struct {
	RoomID string `json:"roomId"`
}

type playerJoinedPayload struct {
	RoomID      string      `json:"roomId"`
	Participant Participant `json:"participant"`
	Room        *Room       `json:"room"`
}

type playerLeftEvent struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Room   *Room  `json:"room,omitempty"`
}

func playerLeftPayload(room *Room, userID string) playerLeftEvent {
	return playerLeftEvent{RoomID: room.ID, UserID: userID, Room: room}
}

type racePackagePayload struct {
	RoomID      string       `json:"roomId"`
	RacePackage *RacePackage `json:"racePackage"`
}

type raceConfiguredPayload struct {
	Room        *Room        `json:"room"`
	RacePackage *RacePackage `json:"racePackage"`
}

type raceStartedPayload struct {
	Room      *Room `json:"room"`
	StartedAt int64 `json:"startedAt"`
}

type positionUpdatePayload struct {
	RoomID    string            `json:"roomId"`
	Positions []json.RawMessage `json:"positions"`
	Timestamp int64             `json:"timestamp"`
}

type raceEventPayload struct {
	RoomID string     `json:"roomId"`
	Event  *RaceEvent `json:"event"`
}

type participantPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Room   *Room  `json:"room,omitempty"`
}

type trackSeedPayload struct {
	RoomID string `json:"roomId"`
	Seed   string `json:"seed"`
}

func (g *Gateway) handlePing(_ context.Context, c *Connection, _ Identity, _ json.RawMessage) error {
	g.send(c, EvtPong, map[string]int64{"timestamp": g.now().UnixMilli()})
	return nil
}

func (g *Gateway) handleCreateRoom(ctx context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	var req createRoomRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	admin, err := requireAdmin(identity, req.AdminUsername)
	if err != nil {
		return err
	}

	room, err := g.registry.CreateRoom(admin, req.MaxParticipants)
	if err != nil {
		return err
	}

	g.joinChannel(c, room.ID, "")
	g.send(c, EvtRoomCreated, roomPayload{Room: room})
	g.AnnounceRoom(room)

	g.logger.InfoContext(ctx, "room created via gateway", "room_id", room.ID)
	return nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	var req joinRoomRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}
	userID, err := resolveUserID(identity, req.UserID)
	if err != nil {
		return err
	}
	username := req.Username
	if username == "" {
		username = identity.Username
	}

	room, err := g.registry.JoinRoom(req.RoomID, userID, username, req.Generation, c.ID)
	if err != nil {
		return err
	}

	// 同一用戶只保留目前的連接，重連後舊連接不再接收房間廣播
	g.dropMember(room.ID, userID)
	g.joinChannel(c, room.ID, userID)
	participant, _ := room.Participant(userID)
	g.send(c, EvtRoomJoined, roomPayload{Room: room})
	g.broadcastRoom(room.ID, c.ID, EvtPlayerJoined, playerJoinedPayload{
		RoomID:      room.ID,
		Participant: participant,
		Room:        room,
	})

	g.logger.InfoContext(ctx, "player joined", "room_id", room.ID, "participants", len(room.Participants))
	return nil
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	var req leaveRoomRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}
	userID, err := resolveUserID(identity, req.UserID)
	if err != nil {
		return err
	}

	room, removed, err := g.registry.LeaveRoom(req.RoomID, userID)
	if err != nil {
		return err
	}

	g.leaveChannel(c, req.RoomID)
	g.send(c, EvtRoomLeft, roomIDPayload{RoomID: req.RoomID})
	if removed {
		g.broadcastRoom(req.RoomID, "", EvtPlayerLeft, playerLeftPayload(room, userID))
		g.logger.InfoContext(ctx, "player left", "room_id", req.RoomID)
	}
	return nil
}

// handleConfigureRace 先組裝資料包再轉換狀態，組裝失敗時房間仍在 waiting
func (g *Gateway) handleConfigureRace(ctx context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	var req configureRaceRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}
	admin, err := requireAdmin(identity, req.AdminUsername)
	if err != nil {
		return err
	}
	if err := req.RaceConfig.Validate(); err != nil {
		return err
	}

	pkg, err := g.builder.BuildRacePackage(ctx, req.RaceConfig)
	if err != nil {
		return err
	}
	room, err := g.registry.ConfigureRace(req.RoomID, admin, req.RaceConfig)
	if err != nil {
		return err
	}

	g.joinChannel(c, room.ID, "")
	g.send(c, EvtRacePackage, racePackagePayload{RoomID: room.ID, RacePackage: pkg})
	g.broadcastRoom(room.ID, c.ID, EvtRaceConfigured, raceConfiguredPayload{Room: room, RacePackage: pkg})
	g.publish(EventRaceConfigured, room)
	return nil
}

func (g *Gateway) handleStartRace(_ context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	var req adminRoomRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}
	admin, err := requireAdmin(identity, req.AdminUsername)
	if err != nil {
		return err
	}

	room, err := g.registry.StartRace(req.RoomID, admin)
	if err != nil {
		return err
	}

	g.joinChannel(c, room.ID, "")
	g.broadcastRoom(room.ID, "", EvtRaceStarted, raceStartedPayload{
		Room:      room,
		StartedAt: room.StartedAt.UnixMilli(),
	})
	g.publish(EventRaceStarted, room)
	return nil
}

// handlePositionUpdate 管理員計算位置，伺服器只轉發給房間內其他連接
func (g *Gateway) handlePositionUpdate(_ context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	if _, err := requireAdminIdentity(identity); err != nil {
		return err
	}
	var req positionUpdateRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}

	room, err := g.registry.GetRoom(req.RoomID)
	if err != nil {
		return err
	}
	if err := room.requireStatus(StatusRacing, "relay positions"); err != nil {
		return err
	}

	if req.Timestamp == 0 {
		req.Timestamp = g.now().UnixMilli()
	}
	g.broadcastRoom(room.ID, c.ID, EvtPositionUpdate, positionUpdatePayload(req))
	return nil
}

// handleRaceEvent finish 類型的事件先結束比賽再轉發
func (g *Gateway) handleRaceEvent(ctx context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	if _, err := requireAdminIdentity(identity); err != nil {
		return err
	}
	var req raceEventRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}
	if req.Event == nil || req.Event.Type == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "event.type is required")
	}

	if req.Event.IsFinish() {
		room, err := g.registry.FinishRace(req.RoomID)
		if err != nil {
			return err
		}
		g.publish(EventRaceFinished, room)
		g.logger.InfoContext(ctx, "race finished by event", "room_id", room.ID)
	} else {
		room, err := g.registry.GetRoom(req.RoomID)
		if err != nil {
			return err
		}
		if err := room.requireStatus(StatusRacing, "relay race events"); err != nil {
			return err
		}
	}

	if req.Event.Timestamp == 0 {
		req.Event.Timestamp = g.now().UnixMilli()
	}
	g.broadcastRoom(req.RoomID, c.ID, EvtRaceEvent, raceEventPayload(req))
	return nil
}

func (g *Gateway) handleGetRoomStatus(_ context.Context, c *Connection, _ Identity, data json.RawMessage) error {
	var req roomRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}
	room, err := g.registry.GetRoom(req.RoomID)
	if err != nil {
		return err
	}
	g.send(c, EvtRoomStatus, roomPayload{Room: room})
	return nil
}

func (g *Gateway) handleCloseRoom(ctx context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	var req adminRoomRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}
	admin, err := requireAdmin(identity, req.AdminUsername)
	if err != nil {
		return err
	}

	closed, err := g.registry.CloseRoom(req.RoomID, admin)
	if err != nil {
		return err
	}
	if !closed {
		return apperrors.ErrRoomNotFound.WithDetails("room " + req.RoomID)
	}

	g.send(c, EvtRoomClosedSuccess, roomIDPayload{RoomID: req.RoomID})
	g.AnnounceClosed(req.RoomID)

	g.logger.InfoContext(ctx, "room closed via gateway", "room_id", req.RoomID)
	return nil
}

func (g *Gateway) handleRemoveParticipant(ctx context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	var req removeParticipantRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}
	if req.UserID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "userId is required")
	}
	if _, err := requireAdmin(identity, req.AdminUsername); err != nil {
		return err
	}

	room, err := g.registry.RemoveParticipant(req.RoomID, req.UserID)
	if err != nil {
		return err
	}
	if room == nil {
		return apperrors.New(apperrors.ErrCodeNotFound, "participant not found").
			WithDetails("user " + req.UserID + " is not in room " + req.RoomID)
	}

	for _, removed := range g.dropMember(room.ID, req.UserID) {
		g.send(removed, EvtParticipantRemoved, participantPayload{RoomID: room.ID, UserID: req.UserID})
	}
	g.send(c, EvtParticipantRemovedSuccess, participantPayload{RoomID: room.ID, UserID: req.UserID, Room: room})
	g.broadcastRoom(room.ID, c.ID, EvtPlayerLeft, playerLeftPayload(room, req.UserID))

	if room.Status == StatusClosed && len(room.Participants) == 0 {
		g.AnnounceClosed(room.ID)
	}

	g.logger.InfoContext(ctx, "participant removed via gateway", "room_id", room.ID, "removed_user", req.UserID)
	return nil
}

// handleSetTrackSeed 只有建立該房間的管理員可以設定
func (g *Gateway) handleSetTrackSeed(_ context.Context, c *Connection, identity Identity, data json.RawMessage) error {
	if _, err := requireAdminIdentity(identity); err != nil {
		return err
	}
	var req setTrackSeedRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if err := requireRoomID(req.RoomID); err != nil {
		return err
	}

	room, err := g.registry.GetRoom(req.RoomID)
	if err != nil {
		return err
	}
	if room.AdminID != identity.Username {
		return apperrors.ErrUnauthorized.WithDetails("only the room admin may set the track seed")
	}
	if !g.registry.UpdateTrackSeed(req.RoomID, req.Seed) {
		return apperrors.ErrRoomNotFound.WithDetails("room " + req.RoomID)
	}

	g.joinChannel(c, req.RoomID, "")
	g.broadcastRoom(req.RoomID, "", EvtTrackSeedUpdated, trackSeedPayload{RoomID: req.RoomID, Seed: req.Seed})
	return nil
}
