package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	commonredis "wisefido-checkin/common/redis"
	"wisefido-checkin/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Stream 审计镜像流（运维侧订阅）
	Stream       = "wellcall:audit"
	streamMaxLen = 100000
)

// Store 审计持久化（Postgres 或内存）
type Store interface {
	InsertHeartbeat(ctx context.Context, hb *models.Heartbeat) error
	InsertNotification(ctx context.Context, n *models.NotificationHistory) error
	LatestHeartbeat(ctx context.Context, jobName string) (*models.Heartbeat, error)
	ListHeartbeats(ctx context.Context, since, until time.Time) ([]models.Heartbeat, error)
	ListNotifications(ctx context.Context, since, until time.Time) ([]models.NotificationHistory, error)
}

// entry 镜像到 Redis 的审计记录
type entry struct {
	Kind         string                      `json:"kind"` // heartbeat, notification
	Heartbeat    *models.Heartbeat           `json:"heartbeat,omitempty"`
	Notification *models.NotificationHistory `json:"notification,omitempty"`
}

// Recorder 心跳与通知审计
// 先写数据库，再尽力镜像到 Redis Stream；镜像失败不影响主流程
type Recorder struct {
	store  Store
	redis  *commonredis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder 创建审计记录器；redis 为 nil 时不镜像
func NewRecorder(store Store, redis *commonredis.Client, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:  store,
		redis:  redis,
		logger: logger,
		now:    time.Now,
	}
}

// RecordHeartbeat 记录一次调度运行
func (r *Recorder) RecordHeartbeat(ctx context.Context, jobName string, status models.HeartbeatStatus, details any) (*models.Heartbeat, error) {
	if jobName == "" {
		return nil, fmt.Errorf("job_name is required")
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal heartbeat details: %w", err)
	}

	hb := &models.Heartbeat{
		ID:      uuid.NewString(),
		JobName: jobName,
		RunAt:   r.now().UTC(),
		Status:  status,
		Details: raw,
	}
	if err := r.store.InsertHeartbeat(ctx, hb); err != nil {
		return nil, err
	}
	r.mirror(ctx, entry{Kind: "heartbeat", Heartbeat: hb})
	return hb, nil
}

// RecordNotification 记录一条通知结果
func (r *Recorder) RecordNotification(ctx context.Context, n *models.NotificationHistory) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now().UTC()
	}
	if err := r.store.InsertNotification(ctx, n); err != nil {
		return err
	}
	r.mirror(ctx, entry{Kind: "notification", Notification: n})
	return nil
}

// Latest 最近一次心跳
func (r *Recorder) Latest(ctx context.Context, jobName string) (*models.Heartbeat, error) {
	return r.store.LatestHeartbeat(ctx, jobName)
}

func (r *Recorder) mirror(ctx context.Context, e entry) {
	if r.redis == nil {
		return
	}
	if _, err := commonredis.PublishJSONToStream(ctx, r.redis, Stream, e, streamMaxLen); err != nil {
		r.logger.Warn("Failed to mirror audit record to redis",
			zap.String("kind", e.Kind),
			zap.Error(err),
		)
	}
}
