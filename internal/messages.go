package internal

import (
	"encoding/json"
	"errors"

	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
)

// 入站消息類型
const (
	MsgPing              = "ping"
	MsgCreateRoom        = "createRoom"
	MsgJoinRoom          = "joinRoom"
	MsgLeaveRoom         = "leaveRoom"
	MsgConfigureRace     = "configureRace"
	MsgStartRace         = "startRace"
	MsgPositionUpdate    = "positionUpdate"
	MsgRaceEvent         = "raceEvent"
	MsgGetRoomStatus     = "getRoomStatus"
	MsgCloseRoom         = "closeRoom"
	MsgRemoveParticipant = "removeParticipant"
	MsgSetTrackSeed      = "setTrackSeed"
)

// 出站事件名稱
const (
	EvtPong                      = "pong"
	EvtError                     = "error"
	EvtRoomCreated               = "roomCreated"
	EvtRoomAvailable             = "roomAvailable"
	EvtRoomJoined                = "roomJoined"
	EvtRoomLeft                  = "roomLeft"
	EvtPlayerJoined              = "playerJoined"
	EvtPlayerLeft                = "playerLeft"
	EvtRacePackage               = "racePackage"
	EvtRaceConfigured            = "raceConfigured"
	EvtRaceStarted               = "raceStarted"
	EvtPositionUpdate            = "positionUpdate"
	EvtRaceEvent                 = "raceEvent"
	EvtRoomStatus                = "roomStatus"
	EvtRoomClosed                = "roomClosed"
	EvtRoomClosedSuccess         = "roomClosedSuccess"
	EvtParticipantRemoved        = "participantRemoved"
	EvtParticipantRemovedSuccess = "participantRemovedSuccess"
	EvtTrackSeedUpdated          = "trackSeedUpdated"
)

// 觸發 FinishRace 的比賽事件類型
const (
	RaceEventFinish      = "race_finish"
	RaceEventFinishShort = "finish"
)

// InboundMessage 客戶端消息
//
// Token 可選；存在時會重新驗證並取代連接建立時的身份。
type InboundMessage struct {
	Type  string          `json:"type"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundMessage 服務器消息
type OutboundMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ErrorPayload error 事件內容
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
}

// newErrorPayload 將錯誤轉成客戶端可見的形式
func newErrorPayload(msgType string, err error) ErrorPayload {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return ErrorPayload{
			Message: appErr.Message,
			Error:   appErr.Details,
			Code:    appErr.Code,
			Type:    msgType,
		}
	}
	return ErrorPayload{
		Message: "internal error",
		Code:    apperrors.ErrCodeInternal,
		Type:    msgType,
	}
}

type createRoomRequest struct {
	AdminUsername   string `json:"adminUsername"`
	MaxParticipants int    `json:"maxParticipants"`
}

type joinRoomRequest struct {
	RoomID     string `json:"roomId"`
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	Generation int    `json:"generation"`
}

type leaveRoomRequest struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type configureRaceRequest struct {
	RoomID        string             `json:"roomId"`
	AdminUsername string             `json:"adminUsername"`
	RaceConfig    *RaceConfiguration `json:"raceConfig"`
}

type adminRoomRequest struct {
	RoomID        string `json:"roomId"`
	AdminUsername string `json:"adminUsername"`
}

type positionUpdateRequest struct {
	RoomID    string            `json:"roomId"`
	Positions []json.RawMessage `json:"positions"`
	Timestamp int64             `json:"timestamp"`
}

// RaceEvent 比賽事件，伺服器只轉發不解讀 Data
type RaceEvent struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	CarID     string          `json:"carId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// IsFinish 是否為比賽結束事件
func (e RaceEvent) IsFinish() bool {
	return e.Type == RaceEventFinish || e.Type == RaceEventFinishShort
}

type raceEventRequest struct {
	RoomID string     `json:"roomId"`
	Event  *RaceEvent `json:"event"`
}

type roomRequest struct {
	RoomID string `json:"roomId"`
}

type removeParticipantRequest struct {
	RoomID        string `json:"roomId"`
	UserID        string `json:"userId"`
	AdminUsername string `json:"adminUsername"`
}

type setTrackSeedRequest struct {
	RoomID string `json:"roomId"`
	Seed   string `json:"seed"`
}

// decodeData 解析消息內容，缺少 data 時視為空物件
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed message data").
			WithDetails(err.Error())
	}
	return nil
}

// requireRoomID 檢查 roomId 欄位
func requireRoomID(roomID string) error {
	if roomID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "roomId is required")
	}
	return nil
}
