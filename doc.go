// Package raceroom 多人即時比賽房間協調服務。
//
// 單一管理員建立短暫存在的房間，玩家加入後由管理員設定並啟動比賽；
// 比賽期間管理員客戶端計算所有車輛位置，伺服器只負責把位置與比賽事件
// 轉發給房間內的其他連接。
//
// # 房間生命週期
//
//	waiting → preparing → racing → finished
//	   └──────────┴──────────┴─────────┴──→ closed
//
// 關閉的房間在寬限期後從內存移除；已結束或已關閉的房間也會被
// 背景清理依建立時間移除。房間狀態不跨重啟保存。
//
// # 元件
//
//   - internal.Registry：房間狀態的唯一擁有者，所有修改在同一把鎖內完成
//   - internal.Builder：從目錄組裝比賽資料包（賽道佈局 + AI 模型權重與結構）
//   - internal.Gateway：WebSocket 連接、成員索引、消息分派與廣播
//   - internal.Handler：唯讀查詢與非即時操作的 HTTP 介面（chi）
//   - internal/storage：PostgreSQL 目錄與 Redis 快取
//   - internal/eventbus：生命週期事件發布到 NATS JetStream
//
// # 使用範例
//
// 啟動服務器：
//
//	ADMIN_USERNAME=admin JWT_SECRET=secret go run ./cmd/server -config config.yaml
//
// 簽發開發用憑證：
//
//	go run ./cmd/server -issue-token admin:u-1
//
// 客戶端連接：
//
//	ws://localhost:8080/ws?token=<jwt>
//
// 消息格式：
//
//	→ {"type":"joinRoom","data":{"roomId":"1234","username":"alice","generation":3}}
//	← {"event":"roomJoined","data":{"room":{...}}}
//	← {"event":"error","data":{"message":"room is full","code":"CAPACITY_EXCEEDED","type":"joinRoom"}}
package raceroom
