package events

import (
	"context"
	"encoding/json"
	"fmt"

	"wisefido-checkin/internal/models"

	"go.uber.org/zap"
)

// TopicPrefix 会话状态主题前缀：wellcall/session/{relative_id}
const TopicPrefix = "wellcall/session/"

// Publisher 会话状态事件发布
type Publisher interface {
	PublishSession(ctx context.Context, ev models.SessionEvent) error
}

// mqttClient common/mqtt.Client 满足该接口
type mqttClient interface {
	Publish(topic string, retained bool, payload []byte) error
}

// MQTTPublisher 通过 MQTT 发布会话状态（retained，客户端订阅即得最新状态）
type MQTTPublisher struct {
	client mqttClient
	logger *zap.Logger
}

// NewMQTTPublisher 创建 MQTT 发布器
func NewMQTTPublisher(client mqttClient, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, logger: logger}
}

// Topic 返回老人对应的主题
func Topic(relativeID string) string {
	return TopicPrefix + relativeID
}

func (p *MQTTPublisher) PublishSession(_ context.Context, ev models.SessionEvent) error {
	if ev.RelativeID == "" {
		return fmt.Errorf("relative_id is required")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	if err := p.client.Publish(Topic(ev.RelativeID), true, payload); err != nil {
		return err
	}
	p.logger.Debug("Session event published",
		zap.String("session_id", ev.SessionID),
		zap.String("outcome", string(ev.Outcome)),
	)
	return nil
}

// NoopPublisher MQTT 未启用时使用
type NoopPublisher struct{}

func (NoopPublisher) PublishSession(context.Context, models.SessionEvent) error { return nil }
