package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/koopa0/system-design/14-race-room/pkg/errors"
	"github.com/koopa0/system-design/14-race-room/pkg/logger"
)

// Gateway 即時連接閘道
//
// 負責：
//   - 驗證握手憑證並建立連接記錄（connID → Identity）
//   - 維護房間頻道（roomID → 連接集合）與成員索引（connID → roomID → userID）
//   - 把入站消息轉成 Registry/Builder 呼叫並廣播結果
//
// Gateway 不直接修改 Room，所有狀態變更都經由 Registry。
//
// 鎖規則：
//   - mu 保護 conns、rooms、每個連接的 memberships 與 closed
//   - 對 Send 的寫入都在 mu 讀鎖下進行，關閉 Send 在寫鎖下進行，
//     因此不會向已關閉的 channel 發送
//   - 持有 mu 時不呼叫 Registry
type Gateway struct {
	registry  *Registry
	builder   *Builder
	auth      *Authenticator
	publisher EventPublisher
	logger    *slog.Logger
	opts      GatewayOptions
	upgrader  websocket.Upgrader
	dispatch  map[string]messageHandler

	conns map[string]*Connection            // connID -> Connection
	rooms map[string]map[string]*Connection // roomID -> connID -> Connection
	mu    sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// GatewayOptions 連接參數
type GatewayOptions struct {
	AllowedOrigins []string // 空或包含 "*" 表示不檢查
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	PublishTimeout time.Duration
	MessageRate    rate.Limit // 每個連接每秒可處理的入站消息數
	MessageBurst   int
}

// DefaultGatewayOptions 預設值：54 秒 Ping、60 秒讀取期限
func DefaultGatewayOptions() GatewayOptions {
	return GatewayOptions{
		SendBuffer:     256,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 64 * 1024,
		PublishTimeout: 2 * time.Second,
		MessageRate:    100,
		MessageBurst:   200,
	}
}

// Connection 單一客戶端連接
type Connection struct {
	ID       string
	Identity Identity

	conn    *websocket.Conn
	send    chan []byte
	gateway *Gateway
	limiter *rate.Limiter

	memberships map[string]string // roomID -> userID，受 gateway.mu 保護
	closed      bool              // 受 gateway.mu 保護
}

// NewGateway 創建閘道
func NewGateway(registry *Registry, builder *Builder, auth *Authenticator, publisher EventPublisher, opts GatewayOptions, log *slog.Logger) *Gateway {
	defaults := DefaultGatewayOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaults.WriteWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaults.PublishTimeout
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = defaults.MessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = defaults.MessageBurst
	}
	if publisher == nil {
		publisher = NoopPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry:  registry,
		builder:   builder,
		auth:      auth,
		publisher: publisher,
		logger:    log.With("component", "gateway"),
		opts:      opts,
		conns:     make(map[string]*Connection),
		rooms:     make(map[string]map[string]*Connection),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
	g.upgrader = websocket.Upgrader{
		CheckOrigin:     g.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	g.dispatch = g.handlers()
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(g.opts.AllowedOrigins, "*") || slices.Contains(g.opts.AllowedOrigins, origin)
}

// ServeWS 處理 WebSocket 握手
//
// 憑證來自 Authorization 標頭或 token 查詢參數，驗證失敗直接返回 401，
// 不升級連接。
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.auth.Verify(TokenFromRequest(r))
	if err != nil {
		g.logger.Warn("websocket handshake rejected", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &Connection{
		ID:          uuid.NewString(),
		Identity:    identity,
		conn:        conn,
		send:        make(chan []byte, g.opts.SendBuffer),
		gateway:     g,
		limiter:     rate.NewLimiter(g.opts.MessageRate, g.opts.MessageBurst),
		memberships: make(map[string]string),
	}
	if !g.register(c) {
		_ = conn.Close()
		return
	}

	g.wg.Add(2)
	go c.writePump()
	go c.readPump()

	g.logger.Info("connection established",
		"conn_id", c.ID,
		"username", identity.Username,
		"admin", identity.IsAdmin)
}

func (g *Gateway) register(c *Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.conns[c.ID] = c
	return true
}

// disconnect 移除連接並對其所有成員資格執行隱式離開
//
// 重複呼叫是安全的；與顯式 leaveRoom 競爭時，只有真正移除玩家的一方
// 會廣播 playerLeft。
func (g *Gateway) disconnect(c *Connection) {
	g.mu.Lock()
	if c.closed {
		g.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	delete(g.conns, c.ID)
	for roomID, members := range g.rooms {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(g.rooms, roomID)
		}
	}
	memberships := maps.Clone(c.memberships)
	clear(c.memberships)
	g.mu.Unlock()

	ctx := logger.WithConnID(g.ctx, c.ID)
	for roomID, userID := range memberships {
		room, removed, err := g.registry.LeaveRoomBySocket(roomID, userID, c.ID)
		if err != nil {
			// 房間可能已被清除
			g.logger.DebugContext(ctx, "implicit leave skipped", "room_id", roomID, "user_id", userID, "error", err)
			continue
		}
		if removed {
			g.broadcastRoom(roomID, "", EvtPlayerLeft, playerLeftPayload(room, userID))
			g.logger.InfoContext(ctx, "player left on disconnect", "room_id", roomID, "user_id", userID)
		}
	}

	g.logger.InfoContext(ctx, "connection closed", "username", c.Identity.Username)
}

// joinChannel 加入房間頻道；userID 非空時同時記錄成員資格
func (g *Gateway) joinChannel(c *Connection, roomID, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.closed {
		return
	}
	members := g.rooms[roomID]
	if members == nil {
		members = make(map[string]*Connection)
		g.rooms[roomID] = members
	}
	members[c.ID] = c
	if userID != "" {
		c.memberships[roomID] = userID
	}
}

// leaveChannel 離開房間頻道並移除成員資格
func (g *Gateway) leaveChannel(c *Connection, roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveChannelLocked(c, roomID)
}

func (g *Gateway) leaveChannelLocked(c *Connection, roomID string) {
	delete(c.memberships, roomID)
	if members, ok := g.rooms[roomID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(g.rooms, roomID)
		}
	}
}

// dropMember 將指定用戶的連接移出房間，返回這些連接
func (g *Gateway) dropMember(roomID, userID string) []*Connection {
	g.mu.Lock()
	defer g.mu.Unlock()

	var dropped []*Connection
	for _, c := range g.conns {
		if member, ok := c.memberships[roomID]; ok && member == userID {
			g.leaveChannelLocked(c, roomID)
			dropped = append(dropped, c)
		}
	}
	return dropped
}

// dropRoom 刪除房間頻道與所有成員資格
func (g *Gateway) dropRoom(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		delete(c.memberships, roomID)
	}
	delete(g.rooms, roomID)
}

func encode(event string, data any) ([]byte, error) {
	return json.Marshal(OutboundMessage{Event: event, Data: data})
}

// send 發送給單一連接；緩衝區滿時丟棄
func (g *Gateway) send(c *Connection, event string, data any) {
	message, err := encode(event, data)
	if err != nil {
		g.logger.Error("encode event failed", "event", event, "error", err)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	g.deliver(c, message)
}

// deliver 需持有 mu 讀鎖
func (g *Gateway) deliver(c *Connection, message []byte) {
	if c.closed {
		return
	}
	select {
	case c.send <- message:
	default:
		g.logger.Warn("send buffer full, message dropped", "conn_id", c.ID)
	}
}

// broadcastRoom 廣播給房間頻道；exceptConnID 非空時排除該連接
func (g *Gateway) broadcastRoom(roomID, exceptConnID, event string, data any) {
	message, err := encode(event, data)
	if err != nil {
		g.logger.Error("encode event failed", "event", event, "error", err)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for id, c := range g.rooms[roomID] {
		if id != exceptConnID {
			g.deliver(c, message)
		}
	}
}

// broadcastAll 廣播給所有連接
func (g *Gateway) broadcastAll(event string, data any) {
	message, err := encode(event, data)
	if err != nil {
		g.logger.Error("encode event failed", "event", event, "error", err)
		return
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.conns {
		g.deliver(c, message)
	}
}

// AnnounceRoom 廣播新房間，供 HTTP 建立房間時使用
func (g *Gateway) AnnounceRoom(room *Room) {
	g.broadcastAll(EvtRoomAvailable, roomPayload{Room: room})
	g.publish(EventRoomCreated, room)
}

// AnnounceClosed 廣播房間關閉並移除頻道
func (g *Gateway) AnnounceClosed(roomID string) {
	if room, err := g.registry.GetRoom(roomID); err == nil {
		g.publish(EventRoomClosed, room)
	}
	g.broadcastRoom(roomID, "", EvtRoomClosed, roomIDPayload{RoomID: roomID})
	g.dropRoom(roomID)
}

// publish 非同步發布生命週期事件
func (g *Gateway) publish(typ EventType, room *Room) {
	if g.ctx.Err() != nil {
		return
	}
	event := NewLifecycleEvent(typ, room, g.now())
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.opts.PublishTimeout)
		defer cancel()
		if err := g.publisher.Publish(ctx, event); err != nil {
			g.logger.Warn("publish lifecycle event failed",
				"event", typ,
				"room_id", event.RoomID,
				"error", err)
		}
	}()
}

// ConnectionCount 目前的連接數
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// ChannelSize 房間頻道中的連接數
func (g *Gateway) ChannelSize(roomID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[roomID])
}

// Stop 關閉所有連接並等待背景工作結束
func (g *Gateway) Stop() {
	g.cancel()

	g.mu.RLock()
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		_ = c.conn.Close()
	}
	g.wg.Wait()

	g.logger.Info("gateway stopped")
}

// readPump 讀取客戶端消息
//
// 讀取期限 PongWait（60 秒），每收到 Pong 重置；writePump 每
// PingInterval（54 秒）送出 Ping，留出網路延遲的餘量。
// 消息依到達順序逐一處理。
func (c *Connection) readPump() {
	g := c.gateway
	defer func() {
		g.disconnect(c)
		_ = c.conn.Close()
		g.wg.Done()
	}()

	c.conn.SetReadLimit(g.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(g.opts.PongWait)); err != nil {
		g.logger.Error("set read deadline failed", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	})

	ctx := logger.WithUserID(logger.WithConnID(g.ctx, c.ID), c.Identity.UserID)
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				g.logger.WarnContext(ctx, "websocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// 超過頻率的消息直接丟棄，只回報錯誤
		if !c.limiter.Allow() {
			g.sendError(c, "", apperrors.ErrRateLimited)
			continue
		}
		g.handleMessage(ctx, c, message)
	}
}

// writePump 寫入消息到客戶端並定期送出 Ping
func (c *Connection) writePump() {
	g := c.gateway
	ticker := time.NewTicker(g.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		g.wg.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(g.opts.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, next); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(g.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
