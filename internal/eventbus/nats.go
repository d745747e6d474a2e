// Package eventbus 把房間生命週期事件發布到 NATS JetStream
//
// 統計服務訂閱 <prefix>.> 取得比賽紀錄；本服務只發布，不消費。
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/system-design/14-race-room/internal"
)

// Config JetStream 發布配置
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration // 事件保留時間，0 表示 7 天
}

// NATSPublisher 以 JetStream 實作 internal.EventPublisher
type NATSPublisher struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *slog.Logger
}

var _ internal.EventPublisher = (*NATSPublisher)(nil)

// NewNATSPublisher 連接 NATS 並確保 Stream 存在
func NewNATSPublisher(cfg Config, logger *slog.Logger) (*NATSPublisher, error) {
	if cfg.Stream == "" || cfg.SubjectPrefix == "" {
		return nil, errors.New("stream and subject prefix are required")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("race-room"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	p := &NATSPublisher{
		conn:   conn,
		js:     js,
		cfg:    cfg,
		logger: logger.With("component", "nats_publisher"),
	}
	if err := p.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

// ensureStream 不存在則建立，存在則更新配置
func (p *NATSPublisher) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:     p.cfg.Stream,
		Subjects: []string{p.cfg.SubjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   p.cfg.MaxAge,
		Replicas: 1,
	}

	_, err := p.js.StreamInfo(p.cfg.Stream)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := p.js.AddStream(cfg); err != nil {
			return fmt.Errorf("add stream %s: %w", p.cfg.Stream, err)
		}
		p.logger.Info("stream created", "stream", p.cfg.Stream)
	case err != nil:
		return fmt.Errorf("stream info %s: %w", p.cfg.Stream, err)
	default:
		if _, err := p.js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", p.cfg.Stream, err)
		}
	}
	return nil
}

// Subject 事件對應的主題
func (p *NATSPublisher) Subject(typ internal.EventType) string {
	return p.cfg.SubjectPrefix + "." + string(typ)
}

// Publish 同步發布並等待 PubAck
func (p *NATSPublisher) Publish(ctx context.Context, event internal.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ack, err := p.js.Publish(p.Subject(event.Type), data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}

	p.logger.Debug("event published",
		"event", event.Type,
		"room_id", event.RoomID,
		"sequence", ack.Sequence)
	return nil
}

// Close 清空緩衝並關閉連接
func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
