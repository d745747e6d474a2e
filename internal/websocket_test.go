package internal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-race-room/internal"
	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
)

const readTimeout = 2 * time.Second

// recordingPublisher 記錄發布的生命週期事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []internal.LifecycleEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event internal.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []internal.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]internal.EventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

// testEnv 完整的服務：註冊表、閘道與 HTTP 路由
type testEnv struct {
	server    *httptest.Server
	registry  *internal.Registry
	gateway   *internal.Gateway
	auth      *internal.Authenticator
	catalog   *internal.MemoryCatalog
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithOptions(t, internal.DefaultGatewayOptions())
}

func newTestEnvWithOptions(t *testing.T, opts internal.GatewayOptions) *testEnv {
	t.Helper()
	log := testLogger()

	env := &testEnv{
		registry: internal.NewRegistry(internal.RegistryOptions{
			AdminUsername:    testAdmin,
			CloseGracePeriod: time.Hour,
		}, log),
		auth:      internal.NewAuthenticator(testSecret, testAdmin),
		catalog:   newTestCatalog(),
		publisher: &recordingPublisher{},
	}
	builder := internal.NewBuilder(env.catalog, log)
	env.gateway = internal.NewGateway(env.registry, builder, env.auth, env.publisher, opts, log)
	handler := internal.NewHandler(env.registry, builder, env.gateway, env.auth, internal.HandlerOptions{}, log)
	env.server = httptest.NewServer(handler.Routes())

	t.Cleanup(func() {
		env.server.Close()
		env.gateway.Stop()
		env.registry.Stop()
	})
	return env
}

func (e *testEnv) token(t *testing.T, username, userID string) string {
	t.Helper()
	token, err := e.auth.Issue(username, userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) wsURL(token string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token
}

// dial 以指定身份建立連接
func (e *testEnv) dial(t *testing.T, username, userID string) *wsClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(e.token(t, username, userID)), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	// 收到 pong 代表連接已註冊完成
	c := &wsClient{t: t, conn: conn}
	c.send(internal.MsgPing, nil)
	c.expect(internal.EvtPong)
	return c
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (m envelope) decode(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(m.Data, v))
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

// in 在子測試中使用同一條連接
func (c *wsClient) in(t *testing.T) *wsClient {
	return &wsClient{t: t, conn: c.conn}
}

func (c *wsClient) send(msgType string, data any) {
	c.sendWithToken(msgType, "", data)
}

func (c *wsClient) sendWithToken(msgType, token string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(internal.InboundMessage{Type: msgType, Token: token, Data: raw}))
}

func (c *wsClient) read() envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var msg envelope
	require.NoError(c.t, json.Unmarshal(raw, &msg))
	return msg
}

// expect 略過其他事件直到收到指定事件；非預期的 error 事件直接失敗
func (c *wsClient) expect(event string) envelope {
	c.t.Helper()
	for {
		msg := c.read()
		if msg.Event == event {
			return msg
		}
		if msg.Event == internal.EvtError {
			c.t.Fatalf("expected %s, got error: %s", event, msg.Data)
		}
	}
}

func (c *wsClient) expectError(code string) internal.ErrorPayload {
	c.t.Helper()
	var payload internal.ErrorPayload
	c.expect(internal.EvtError).decode(c.t, &payload)
	assert.Equal(c.t, code, payload.Code, "error payload: %+v", payload)
	return payload
}

// drain 送出 ping 並收集 pong 之前的所有事件
func (c *wsClient) drain() []envelope {
	c.t.Helper()
	c.send(internal.MsgPing, nil)
	var seen []envelope
	for {
		msg := c.read()
		if msg.Event == internal.EvtPong {
			return seen
		}
		seen = append(seen, msg)
	}
}

func countEvents(msgs []envelope, event string) int {
	n := 0
	for _, m := range msgs {
		if m.Event == event {
			n++
		}
	}
	return n
}

type roomMessage struct {
	Room internal.Room `json:"room"`
}

func (c *wsClient) createRoom(max int) string {
	c.t.Helper()
	c.send(internal.MsgCreateRoom, map[string]any{"adminUsername": testAdmin, "maxParticipants": max})
	var created roomMessage
	c.expect(internal.EvtRoomCreated).decode(c.t, &created)
	require.NotEmpty(c.t, created.Room.ID)
	return created.Room.ID
}

func (c *wsClient) joinRoom(roomID, username string) internal.Room {
	c.t.Helper()
	c.send(internal.MsgJoinRoom, map[string]any{"roomId": roomID, "username": username, "generation": 3})
	var joined roomMessage
	c.expect(internal.EvtRoomJoined).decode(c.t, &joined)
	return joined.Room
}

func raceConfigData(roomID string) map[string]any {
	return map[string]any{
		"roomId":        roomID,
		"adminUsername": testAdmin,
		"raceConfig": map[string]any{
			"trackId":      "track-1",
			"aiModelIds":   []string{"m1", "m2"},
			"raceSettings": map[string]any{"timeLimit": 120},
		},
	}
}

// TestGateway_RaceScenario 建立 → 加入 → 滿員 → 設定 → 開始 → 位置轉發 → 結束
func TestGateway_RaceScenario(t *testing.T) {
	env := newTestEnv(t)

	admin := env.dial(t, testAdmin, "admin-1")
	alice := env.dial(t, "alice", "u1")
	bob := env.dial(t, "bob", "u2")
	carol := env.dial(t, "carol", "u3")

	roomID := admin.createRoom(2)

	var available roomMessage
	alice.expect(internal.EvtRoomAvailable).decode(t, &available)
	assert.Equal(t, roomID, available.Room.ID)

	room := alice.joinRoom(roomID, "alice")
	assert.Len(t, room.Participants, 1)

	var joined struct {
		Participant internal.Participant `json:"participant"`
	}
	admin.expect(internal.EvtPlayerJoined).decode(t, &joined)
	assert.Equal(t, "u1", joined.Participant.UserID)
	assert.Equal(t, 3, joined.Participant.Generation)

	room = bob.joinRoom(roomID, "bob")
	assert.Len(t, room.Participants, 2)
	alice.expect(internal.EvtPlayerJoined)

	carol.send(internal.MsgJoinRoom, map[string]any{"roomId": roomID})
	payload := carol.expectError(apperrors.ErrCodeCapacity)
	assert.Equal(t, internal.MsgJoinRoom, payload.Type)

	admin.send(internal.MsgConfigureRace, raceConfigData(roomID))
	var pkg struct {
		RoomID      string               `json:"roomId"`
		RacePackage internal.RacePackage `json:"racePackage"`
	}
	admin.expect(internal.EvtRacePackage).decode(t, &pkg)
	assert.Equal(t, roomID, pkg.RoomID)
	assert.Equal(t, "track-1", pkg.RacePackage.Track.ID)
	assert.Equal(t, 2, pkg.RacePackage.Track.CheckpointCount)
	require.Len(t, pkg.RacePackage.AIModels, 2)

	var configured struct {
		Room        internal.Room        `json:"room"`
		RacePackage internal.RacePackage `json:"racePackage"`
	}
	alice.expect(internal.EvtRaceConfigured).decode(t, &configured)
	assert.Equal(t, internal.StatusPreparing, configured.Room.Status)
	assert.Equal(t, "track-1", configured.RacePackage.Track.ID)

	admin.send(internal.MsgStartRace, map[string]any{"roomId": roomID, "adminUsername": testAdmin})
	var started struct {
		Room      internal.Room `json:"room"`
		StartedAt int64         `json:"startedAt"`
	}
	for _, c := range []*wsClient{admin, alice, bob} {
		c.expect(internal.EvtRaceStarted).decode(t, &started)
		assert.Equal(t, internal.StatusRacing, started.Room.Status)
		assert.NotZero(t, started.StartedAt)
	}

	admin.send(internal.MsgPositionUpdate, map[string]any{
		"roomId":    roomID,
		"positions": []map[string]any{{"carId": "m1", "x": 1.5, "y": 2}},
	})
	var positions struct {
		Positions []json.RawMessage `json:"positions"`
		Timestamp int64             `json:"timestamp"`
	}
	bob.expect(internal.EvtPositionUpdate).decode(t, &positions)
	assert.Len(t, positions.Positions, 1)
	assert.NotZero(t, positions.Timestamp)

	admin.send(internal.MsgRaceEvent, map[string]any{
		"roomId": roomID,
		"event":  map[string]any{"type": internal.RaceEventFinish, "carId": "m1"},
	})
	var relayed struct {
		Event internal.RaceEvent `json:"event"`
	}
	alice.expect(internal.EvtRaceEvent).decode(t, &relayed)
	assert.Equal(t, internal.RaceEventFinish, relayed.Event.Type)

	got, err := env.registry.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusFinished, got.Status)

	// 發送者不會收到自己的轉發
	assert.Zero(t, countEvents(admin.drain(), internal.EvtPositionUpdate))

	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]internal.EventType{
			internal.EventRoomCreated,
			internal.EventRaceConfigured,
			internal.EventRaceStarted,
			internal.EventRaceFinished,
		}, sortedTypes(env.publisher.types()))
	}, time.Second, 10*time.Millisecond)
}

// sortedTypes 發布是非同步的，依生命週期順序比較
func sortedTypes(types []internal.EventType) []internal.EventType {
	order := map[internal.EventType]int{
		internal.EventRoomCreated:    0,
		internal.EventRaceConfigured: 1,
		internal.EventRaceStarted:    2,
		internal.EventRaceFinished:   3,
		internal.EventRoomClosed:     4,
	}
	out := make([]internal.EventType, len(types))
	copy(out, types)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && order[out[j]] < order[out[j-1]]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func TestGateway_Handshake(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		url   string
		valid bool
	}{
		{"missing token", env.wsURL(""), false},
		{"invalid token", env.wsURL("garbage"), false},
		{"valid token", env.wsURL(env.token(t, "alice", "u1")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(tt.url, nil)
			if resp != nil && resp.Body != nil {
				defer resp.Body.Close()
			}
			if tt.valid {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

// TestGateway_AdminOnlyOperations 非管理員的受限操作被拒絕且不改變狀態
func TestGateway_AdminOnlyOperations(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	alice := env.dial(t, "alice", "u1")

	roomID := admin.createRoom(4)
	alice.joinRoom(roomID, "alice")

	tests := []struct {
		name    string
		msgType string
		data    map[string]any
	}{
		{"create room", internal.MsgCreateRoom, map[string]any{"maxParticipants": 4}},
		{"configure race", internal.MsgConfigureRace, raceConfigData(roomID)},
		{"start race", internal.MsgStartRace, map[string]any{"roomId": roomID}},
		{"close room", internal.MsgCloseRoom, map[string]any{"roomId": roomID}},
		{"remove participant", internal.MsgRemoveParticipant, map[string]any{"roomId": roomID, "userId": "u1"}},
		{"position update", internal.MsgPositionUpdate, map[string]any{"roomId": roomID}},
		{"race event", internal.MsgRaceEvent, map[string]any{"roomId": roomID, "event": map[string]any{"type": "lap"}}},
		{"track seed", internal.MsgSetTrackSeed, map[string]any{"roomId": roomID, "seed": "x"}},
		{"claiming admin name", internal.MsgCreateRoom, map[string]any{"adminUsername": testAdmin}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice := alice.in(t)
			alice.send(tt.msgType, tt.data)
			payload := alice.expectError(apperrors.ErrCodeUnauthorized)
			assert.Equal(t, tt.msgType, payload.Type)
		})
	}

	rooms := env.registry.ListAll()
	require.Len(t, rooms, 1)
	assert.Equal(t, internal.StatusWaiting, rooms[0].Status)
	assert.Len(t, rooms[0].Participants, 1)

	t.Run("admin with mismatched adminUsername", func(t *testing.T) {
		admin := admin.in(t)
		admin.send(internal.MsgCloseRoom, map[string]any{"roomId": roomID, "adminUsername": "someone-else"})
		admin.expectError(apperrors.ErrCodeUnauthorized)
	})

	t.Run("player cannot act for another user", func(t *testing.T) {
		alice := alice.in(t)
		alice.send(internal.MsgLeaveRoom, map[string]any{"roomId": roomID, "userId": "u2"})
		alice.expectError(apperrors.ErrCodeUnauthorized)
	})

	t.Run("per message token replaces connection identity", func(t *testing.T) {
		alice := alice.in(t)
		alice.sendWithToken(internal.MsgCreateRoom, env.token(t, testAdmin, "admin-1"), map[string]any{"adminUsername": testAdmin, "maxParticipants": 2})
		alice.expect(internal.EvtRoomCreated)
		assert.Len(t, env.registry.ListAll(), 2)
	})

	t.Run("invalid per message token", func(t *testing.T) {
		alice := alice.in(t)
		alice.sendWithToken(internal.MsgPing, "garbage", nil)
		alice.expectError(apperrors.ErrCodeUnauthorized)
	})
}

// TestGateway_AdminUsernameRequired 管理員消息必須帶上與憑證一致的 adminUsername
func TestGateway_AdminUsernameRequired(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	alice := env.dial(t, "alice", "u1")

	roomID := admin.createRoom(4)
	alice.joinRoom(roomID, "alice")

	noName := raceConfigData(roomID)
	delete(noName, "adminUsername")

	tests := []struct {
		name    string
		msgType string
		data    map[string]any
	}{
		{"create room", internal.MsgCreateRoom, map[string]any{"maxParticipants": 4}},
		{"create room with empty name", internal.MsgCreateRoom, map[string]any{"adminUsername": "", "maxParticipants": 4}},
		{"configure race", internal.MsgConfigureRace, noName},
		{"start race", internal.MsgStartRace, map[string]any{"roomId": roomID}},
		{"close room", internal.MsgCloseRoom, map[string]any{"roomId": roomID}},
		{"remove participant", internal.MsgRemoveParticipant, map[string]any{"roomId": roomID, "userId": "u1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admin := admin.in(t)
			admin.send(tt.msgType, tt.data)
			payload := admin.expectError(apperrors.ErrCodeUnauthorized)
			assert.Equal(t, tt.msgType, payload.Type)
		})
	}

	rooms := env.registry.ListAll()
	require.Len(t, rooms, 1)
	assert.Equal(t, internal.StatusWaiting, rooms[0].Status)
	assert.Nil(t, rooms[0].RaceConfig)
	assert.Len(t, rooms[0].Participants, 1)
}

// TestGateway_RaceEventRequiresRacing 非比賽中的房間不轉發比賽事件
func TestGateway_RaceEventRequiresRacing(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	alice := env.dial(t, "alice", "u1")

	roomID := admin.createRoom(4)
	alice.joinRoom(roomID, "alice")

	for _, eventType := range []string{"lap", internal.RaceEventFinish} {
		admin.send(internal.MsgRaceEvent, map[string]any{
			"roomId": roomID,
			"event":  map[string]any{"type": eventType},
		})
		admin.expectError(apperrors.ErrCodeInvalidState)
	}

	assert.Zero(t, countEvents(alice.drain(), internal.EvtRaceEvent))
	room, err := env.registry.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusWaiting, room.Status)
}

// TestGateway_MalformedMessages 錯誤消息只影響發送者，連接保持可用
func TestGateway_MalformedMessages(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice", "u1")

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `{not json`, apperrors.ErrCodeInvalidInput},
		{"unknown type", `{"type":"teleport","data":{}}`, apperrors.ErrCodeInvalidInput},
		{"bad data shape", `{"type":"joinRoom","data":"oops"}`, apperrors.ErrCodeInvalidInput},
		{"missing room id", `{"type":"joinRoom","data":{}}`, apperrors.ErrCodeInvalidInput},
		{"unknown room", `{"type":"getRoomStatus","data":{"roomId":"0000"}}`, apperrors.ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice := alice.in(t)
			require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)))
			alice.expectError(tt.code)

			// 連接仍可使用
			alice.send(internal.MsgPing, nil)
			alice.expect(internal.EvtPong)
		})
	}
}

func TestGateway_MessageRateLimit(t *testing.T) {
	opts := internal.DefaultGatewayOptions()
	opts.MessageRate = 0.01
	opts.MessageBurst = 3
	env := newTestEnvWithOptions(t, opts)

	// dial 已用掉一個額度
	alice := env.dial(t, "alice", "u1")
	alice.send(internal.MsgPing, nil)
	alice.expect(internal.EvtPong)
	alice.send(internal.MsgPing, nil)
	alice.expect(internal.EvtPong)

	alice.send(internal.MsgPing, nil)
	alice.expectError(apperrors.ErrCodeRateLimited)

	// 其他連接不受影響
	bob := env.dial(t, "bob", "u2")
	bob.send(internal.MsgGetRoomStatus, map[string]any{"roomId": "0000"})
	bob.expectError(apperrors.ErrCodeNotFound)
}

// TestGateway_Disconnect 斷線時隱式離開，playerLeft 只廣播一次
func TestGateway_Disconnect(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	alice := env.dial(t, "alice", "u1")
	bob := env.dial(t, "bob", "u2")

	roomID := admin.createRoom(4)
	alice.joinRoom(roomID, "alice")
	bob.joinRoom(roomID, "bob")

	require.NoError(t, alice.conn.Close())

	var left struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
	}
	bob.expect(internal.EvtPlayerLeft).decode(t, &left)
	assert.Equal(t, roomID, left.RoomID)
	assert.Equal(t, "u1", left.UserID)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, countEvents(bob.drain(), internal.EvtPlayerLeft), "playerLeft must be sent once")

	room, err := env.registry.GetRoom(roomID)
	require.NoError(t, err)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, "u2", room.Participants[0].UserID)
	assert.Equal(t, internal.StatusWaiting, room.Status, "disconnect never closes the room")

	assert.Eventually(t, func() bool {
		return env.gateway.ConnectionCount() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestGateway_ReconnectKeepsSeat(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	roomID := admin.createRoom(1)

	first := env.dial(t, "alice", "u1")
	first.joinRoom(roomID, "alice")

	second := env.dial(t, "alice", "u1")
	room := second.joinRoom(roomID, "alice")
	assert.Len(t, room.Participants, 1, "rejoin does not take a second seat")

	// 舊連接斷線不會踢掉已重連的玩家
	require.NoError(t, first.conn.Close())
	assert.Eventually(t, func() bool {
		return env.gateway.ConnectionCount() == 2
	}, time.Second, 10*time.Millisecond)

	got, err := env.registry.GetRoom(roomID)
	require.NoError(t, err)
	assert.Len(t, got.Participants, 1)
	assert.Zero(t, countEvents(admin.drain(), internal.EvtPlayerLeft))
}

// TestGateway_RejoinMovesSubscription 重連後只有新連接留在房間頻道
func TestGateway_RejoinMovesSubscription(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	roomID := admin.createRoom(4)

	first := env.dial(t, "alice", "u1")
	first.joinRoom(roomID, "alice")
	second := env.dial(t, "alice", "u1")
	second.joinRoom(roomID, "alice")

	second.send(internal.MsgLeaveRoom, map[string]any{"roomId": roomID})
	second.expect(internal.EvtRoomLeft)

	bob := env.dial(t, "bob", "u2")
	room := bob.joinRoom(roomID, "bob")
	require.Len(t, room.Participants, 1)
	assert.Equal(t, "u2", room.Participants[0].UserID)

	// 管理員收到 bob 的 playerJoined 後，廣播已投遞到所有頻道成員
	for {
		var joined struct {
			Participant internal.Participant `json:"participant"`
		}
		admin.expect(internal.EvtPlayerJoined).decode(t, &joined)
		if joined.Participant.UserID == "u2" {
			break
		}
	}
	assert.Zero(t, countEvents(first.drain(), internal.EvtPlayerJoined), "stale socket must not receive room broadcasts")
	assert.Zero(t, countEvents(second.drain(), internal.EvtPlayerJoined))
	assert.Equal(t, 2, env.gateway.ChannelSize(roomID), "admin and bob")
}

func TestGateway_LeaveRoom(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	alice := env.dial(t, "alice", "u1")
	bob := env.dial(t, "bob", "u2")

	roomID := admin.createRoom(4)
	alice.joinRoom(roomID, "alice")
	bob.joinRoom(roomID, "bob")

	alice.send(internal.MsgLeaveRoom, map[string]any{"roomId": roomID})
	alice.expect(internal.EvtRoomLeft)
	bob.expect(internal.EvtPlayerLeft)

	// 已離開的房間不再收到廣播
	admin.send(internal.MsgSetTrackSeed, map[string]any{"roomId": roomID, "seed": "s-1"})
	bob.expect(internal.EvtTrackSeedUpdated)
	assert.Zero(t, countEvents(alice.drain(), internal.EvtTrackSeedUpdated))

	// 重複離開是無害的
	alice.send(internal.MsgLeaveRoom, map[string]any{"roomId": roomID})
	alice.expect(internal.EvtRoomLeft)
	assert.Zero(t, countEvents(bob.drain(), internal.EvtPlayerLeft))
}

func TestGateway_CloseRoom(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	alice := env.dial(t, "alice", "u1")

	roomID := admin.createRoom(4)
	alice.joinRoom(roomID, "alice")

	admin.send(internal.MsgCloseRoom, map[string]any{"roomId": roomID, "adminUsername": testAdmin})
	admin.expect(internal.EvtRoomClosedSuccess)

	var closed struct {
		RoomID string `json:"roomId"`
	}
	alice.expect(internal.EvtRoomClosed).decode(t, &closed)
	assert.Equal(t, roomID, closed.RoomID)
	assert.Eventually(t, func() bool {
		return env.gateway.ChannelSize(roomID) == 0
	}, time.Second, 10*time.Millisecond)

	bob := env.dial(t, "bob", "u2")
	bob.send(internal.MsgJoinRoom, map[string]any{"roomId": roomID})
	bob.expectError(apperrors.ErrCodeInvalidState)

	admin.send(internal.MsgCloseRoom, map[string]any{"roomId": "0000", "adminUsername": testAdmin})
	admin.expectError(apperrors.ErrCodeNotFound)

	assert.Eventually(t, func() bool {
		for _, typ := range env.publisher.types() {
			if typ == internal.EventRoomClosed {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestGateway_RemoveParticipant(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	alice := env.dial(t, "alice", "u1")
	bob := env.dial(t, "bob", "u2")

	roomID := admin.createRoom(4)
	alice.joinRoom(roomID, "alice")
	bob.joinRoom(roomID, "bob")

	admin.send(internal.MsgRemoveParticipant, map[string]any{"roomId": roomID, "userId": "u1", "adminUsername": testAdmin})
	admin.expect(internal.EvtParticipantRemovedSuccess)
	alice.expect(internal.EvtParticipantRemoved)
	bob.expect(internal.EvtPlayerLeft)

	admin.send(internal.MsgRemoveParticipant, map[string]any{"roomId": roomID, "userId": "u1", "adminUsername": testAdmin})
	admin.expectError(apperrors.ErrCodeNotFound)

	// 移除最後一位玩家後房間關閉
	admin.send(internal.MsgRemoveParticipant, map[string]any{"roomId": roomID, "userId": "u2", "adminUsername": testAdmin})
	admin.expect(internal.EvtParticipantRemovedSuccess)
	bob.expect(internal.EvtParticipantRemoved)

	room, err := env.registry.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusClosed, room.Status)
	assert.Empty(t, room.Participants)
}

func TestGateway_ConfigureRaceFailures(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	roomID := admin.createRoom(4)

	data := raceConfigData(roomID)
	data["raceConfig"].(map[string]any)["aiModelIds"] = []string{"m1", "ghost"}
	admin.send(internal.MsgConfigureRace, data)
	payload := admin.expectError(apperrors.ErrCodeNotFound)
	assert.Equal(t, "ghost", payload.Error)

	admin.send(internal.MsgConfigureRace, map[string]any{"roomId": roomID, "adminUsername": testAdmin})
	admin.expectError(apperrors.ErrCodeInvalidInput)

	// 組裝失敗時房間仍在 waiting
	room, err := env.registry.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusWaiting, room.Status)
	assert.Nil(t, room.RaceConfig)

	admin.send(internal.MsgStartRace, map[string]any{"roomId": roomID, "adminUsername": testAdmin})
	admin.expectError(apperrors.ErrCodeInvalidState)

	admin.send(internal.MsgPositionUpdate, map[string]any{"roomId": roomID})
	admin.expectError(apperrors.ErrCodeInvalidState)
}

func TestGateway_RoomStatus(t *testing.T) {
	env := newTestEnv(t)
	admin := env.dial(t, testAdmin, "admin-1")
	alice := env.dial(t, "alice", "u1")
	roomID := admin.createRoom(3)

	alice.send(internal.MsgGetRoomStatus, map[string]any{"roomId": roomID})
	var status roomMessage
	alice.expect(internal.EvtRoomStatus).decode(t, &status)
	assert.Equal(t, roomID, status.Room.ID)
	assert.Equal(t, 3, status.Room.MaxParticipants)
	assert.Equal(t, internal.StatusWaiting, status.Room.Status)
}
