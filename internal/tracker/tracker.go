package tracker

import (
	"context"
	"fmt"
	"time"

	"wisefido-checkin/internal/models"

	"go.uber.org/zap"
)

// SlotClaimer 条件写入时段标记
type SlotClaimer interface {
	ClaimSlot(ctx context.Context, relativeID, householdID, trackingDate string, slot models.SlotType, now time.Time) (bool, error)
}

// SessionStore 会话与呼叫结果存储
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.CallSession) (bool, error)
	CreateLog(ctx context.Context, l *models.CallLog) error
}

// Tracker 每日时段呼叫幂等账本
// 抢占标记是同一 (relative, slot, date) 的唯一串行点；标记一旦置位不会回退，失败的呼叫不在同一时段重试
type Tracker struct {
	claims   SlotClaimer
	sessions SessionStore
	logger   *zap.Logger
	now      func() time.Time
}

// NewTracker 创建幂等账本
func NewTracker(claims SlotClaimer, sessions SessionStore, logger *zap.Logger) *Tracker {
	return &Tracker{
		claims:   claims,
		sessions: sessions,
		logger:   logger,
		now:      time.Now,
	}
}

// Reserve 抢占 (relative, slot, date)；false 表示已被其他运行处理，不是错误
func (t *Tracker) Reserve(ctx context.Context, relativeID, householdID, slotDate string, slot models.SlotType) (bool, error) {
	claimed, err := t.claims.ClaimSlot(ctx, relativeID, householdID, slotDate, slot, t.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to reserve slot: %w", err)
	}
	if !claimed {
		t.logger.Debug("Slot already handled by another run",
			zap.String("relative_id", relativeID),
			zap.String("slot_type", string(slot)),
			zap.String("slot_date", slotDate),
		)
	}
	return claimed, nil
}

// OpenSession 创建时段会话（唯一索引作为第二道保护）
func (t *Tracker) OpenSession(ctx context.Context, s *models.CallSession) (bool, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = t.now().UTC()
	}
	created, err := t.sessions.CreateSession(ctx, s)
	if err != nil {
		return false, fmt.Errorf("failed to open session: %w", err)
	}
	if !created {
		t.logger.Warn("Session for slot already exists",
			zap.String("relative_id", s.RelativeID),
			zap.String("slot_type", string(s.SlotType)),
			zap.String("slot_date", s.SlotDate),
		)
	}
	return created, nil
}

// Commit 记录呼叫结果（initiated 或 failed）；时段标记保持不变
func (t *Tracker) Commit(ctx context.Context, l *models.CallLog) error {
	if l.StartedAt.IsZero() {
		l.StartedAt = t.now().UTC()
	}
	if err := t.sessions.CreateLog(ctx, l); err != nil {
		return fmt.Errorf("failed to commit call log: %w", err)
	}
	return nil
}
