package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	commonredis "wisefido-checkin/common/redis"
	"wisefido-checkin/internal/escalation"
	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/repository"
	"wisefido-checkin/internal/service"

	"go.uber.org/zap"
)

// 消息类型
const (
	TypeOutcome = "outcome"
	TypeSignal  = "signal"
)

// Message 下游上报的消息（stream 字段 data 为 JSON）
type Message struct {
	Type    string                 `json:"type"`
	Outcome *service.OutcomeReport `json:"outcome,omitempty"`
	Signal  *models.HealthSignal   `json:"signal,omitempty"`
}

// Handler 回报处理（service.IngestService）
type Handler interface {
	ReportOutcome(ctx context.Context, rep service.OutcomeReport) (*service.IngestResult, error)
	ReportSignal(ctx context.Context, sig models.HealthSignal) (escalation.Report, error)
}

// OutcomeConsumer 消费通话结果与健康信号
type OutcomeConsumer struct {
	redisClient   *commonredis.Client
	handler       Handler
	logger        *zap.Logger
	stream        string
	groupName     string
	consumerName  string
	batchSize     int64
	block         time.Duration
	claimIdle     time.Duration // pending 消息空闲超过该时长后重新投递
	maxDeliveries int64         // 达到投递次数上限后丢弃
}

// NewOutcomeConsumer 创建结果消费者
func NewOutcomeConsumer(
	redisClient *commonredis.Client,
	handler Handler,
	logger *zap.Logger,
	stream string,
	groupName string,
	consumerName string,
) *OutcomeConsumer {
	return &OutcomeConsumer{
		redisClient:   redisClient,
		handler:       handler,
		logger:        logger,
		stream:        stream,
		groupName:     groupName,
		consumerName:  consumerName,
		batchSize:     50,
		block:         2 * time.Second,
		claimIdle:     30 * time.Second,
		maxDeliveries: 5,
	}
}

// Start 阻塞消费直到 ctx 取消
func (c *OutcomeConsumer) Start(ctx context.Context) error {
	if err := commonredis.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.groupName); err != nil {
		return err
	}

	c.logger.Info("Outcome consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.groupName),
		zap.String("consumer_name", c.consumerName),
	)

	// 读取失败时指数退避
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := c.ConsumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume outcomes",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

// ConsumeOnce 先重新投递空闲的 pending 消息，再读取一批新消息，返回已确认的条数
func (c *OutcomeConsumer) ConsumeOnce(ctx context.Context) (int, error) {
	acked, err := c.reclaim(ctx)
	if err != nil {
		return acked, err
	}

	messages, err := commonredis.ReadFromStream(ctx, c.redisClient, c.stream, c.groupName, c.consumerName, c.batchSize, c.block)
	if err != nil {
		return acked, fmt.Errorf("failed to read from stream: %w", err)
	}
	return acked + c.handle(ctx, messages), nil
}

// reclaim 认领空闲超过 claimIdle 的 pending 消息（包括已下线的消费者留下的）
// 投递次数达到上限的消息确认后丢弃
func (c *OutcomeConsumer) reclaim(ctx context.Context) (int, error) {
	pending, err := commonredis.ListPending(ctx, c.redisClient, c.stream, c.groupName, c.claimIdle, c.batchSize)
	if err != nil {
		return 0, err
	}

	acked := 0
	retry := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Deliveries < c.maxDeliveries {
			retry = append(retry, p.ID)
			continue
		}
		c.logger.Error("Dropping message after max deliveries",
			zap.String("message_id", p.ID),
			zap.String("consumer", p.Consumer),
			zap.Int64("deliveries", p.Deliveries),
		)
		if err := commonredis.Ack(ctx, c.redisClient, c.stream, c.groupName, p.ID); err != nil {
			c.logger.Warn("Failed to ack message", zap.String("message_id", p.ID), zap.Error(err))
			continue
		}
		acked++
	}

	messages, err := commonredis.Claim(ctx, c.redisClient, c.stream, c.groupName, c.consumerName, c.claimIdle, retry...)
	if err != nil {
		return acked, err
	}
	if len(messages) > 0 {
		c.logger.Info("Redelivering pending outcome messages", zap.Int("count", len(messages)))
	}
	return acked + c.handle(ctx, messages), nil
}

// handle 逐条处理并确认；处理失败的消息留在 pending 列表
func (c *OutcomeConsumer) handle(ctx context.Context, messages []commonredis.StreamMessage) int {
	acked := 0
	for _, msg := range messages {
		if err := c.process(ctx, msg); err != nil {
			c.logger.Error("Failed to process outcome message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if err := commonredis.Ack(ctx, c.redisClient, c.stream, c.groupName, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		acked++
	}
	return acked
}

// process 返回 nil 表示可以确认（包括无法处理的坏消息与重复回报）
func (c *OutcomeConsumer) process(ctx context.Context, msg commonredis.StreamMessage) error {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		c.logger.Error("Dropping message without data field", zap.String("message_id", msg.ID))
		return nil
	}
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		c.logger.Error("Dropping malformed message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	var err error
	switch {
	case m.Type == TypeOutcome && m.Outcome != nil:
		_, err = c.handler.ReportOutcome(ctx, *m.Outcome)
	case m.Type == TypeSignal && m.Signal != nil:
		_, err = c.handler.ReportSignal(ctx, *m.Signal)
	default:
		c.logger.Error("Dropping message of unknown type",
			zap.String("message_id", msg.ID),
			zap.String("type", m.Type),
		)
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrOutcomeFinal):
		return nil
	case errors.Is(err, service.ErrInvalidReport), errors.Is(err, repository.ErrNotFound):
		c.logger.Warn("Dropping unprocessable report",
			zap.String("message_id", msg.ID),
			zap.String("type", m.Type),
			zap.Error(err),
		)
		return nil
	default:
		return err
	}
}
