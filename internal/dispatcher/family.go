package dispatcher

import (
	"context"
	"time"

	"wisefido-checkin/internal/metrics"
	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/ratelimit"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FamilyNotifier 家属通知网关
type FamilyNotifier interface {
	Notify(ctx context.Context, msg models.FamilyMessage) error
}

// NotificationSink 通知审计
type NotificationSink interface {
	RecordNotification(ctx context.Context, n *models.NotificationHistory) error
}

// SendReport 一批家属通知的结果
type SendReport struct {
	Sent        int `json:"sent"`
	Failed      int `json:"failed"`
	RateLimited int `json:"rate_limited"`
}

// FamilySender 家属通知：按接收人限流，每个接收人写一条通知审计
type FamilySender struct {
	notifier FamilyNotifier
	limiter  ratelimit.Limiter
	sink     NotificationSink
	logger   *zap.Logger
	now      func() time.Time
}

// NewFamilySender 创建家属通知发送器
func NewFamilySender(notifier FamilyNotifier, limiter ratelimit.Limiter, sink NotificationSink, logger *zap.Logger) *FamilySender {
	return &FamilySender{
		notifier: notifier,
		limiter:  limiter,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// Send 发送给允许的接收人；超限的接收人记为 rate_limited
// 限流器故障时放行（宁可多发，不可漏发）
func (s *FamilySender) Send(ctx context.Context, msg models.FamilyMessage, limitPerHour int) (SendReport, error) {
	var report SendReport
	if err := msg.Validate(); err != nil {
		return report, err
	}

	allowed := make([]string, 0, len(msg.Recipients))
	for _, recipient := range msg.Recipients {
		ok, err := s.limiter.Allow(ctx, limitKey(msg.Channel, recipient), limitPerHour, time.Hour)
		if err != nil {
			s.logger.Warn("Rate limiter unavailable, sending anyway",
				zap.String("recipient", recipient),
				zap.Error(err),
			)
			ok = true
		}
		if !ok {
			report.RateLimited++
			s.record(ctx, msg, recipient, models.NotificationRateLimited, nil)
			continue
		}
		allowed = append(allowed, recipient)
	}
	if len(allowed) == 0 {
		return report, nil
	}

	batch := msg
	batch.Recipients = allowed
	err := s.notifier.Notify(ctx, batch)

	status := models.NotificationSent
	var detail *string
	if err != nil {
		status = models.NotificationFailed
		d := err.Error()
		detail = &d
		s.logger.Warn("Family notification failed",
			zap.String("household_id", msg.HouseholdID),
			zap.String("channel", string(msg.Channel)),
			zap.Int("recipients", len(allowed)),
			zap.Error(err),
		)
	}
	for _, recipient := range allowed {
		s.record(ctx, msg, recipient, status, detail)
	}
	if err != nil {
		report.Failed = len(allowed)
	} else {
		report.Sent = len(allowed)
	}
	return report, err
}

// limitKey 按渠道和接收人分别计数
func limitKey(ch models.Channel, recipient string) string {
	return "family:" + string(ch) + ":" + recipient
}

func (s *FamilySender) record(ctx context.Context, msg models.FamilyMessage, recipient string, status models.NotificationStatus, detail *string) {
	metrics.FamilyNotificationsTotal.WithLabelValues(string(msg.Channel), string(status)).Inc()
	n := &models.NotificationHistory{
		ID:          uuid.NewString(),
		HouseholdID: msg.HouseholdID,
		RelativeID:  msg.RelativeID,
		Recipient:   recipient,
		Channel:     string(msg.Channel),
		Title:       msg.Title,
		Body:        msg.Body,
		Status:      status,
		Error:       detail,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.sink.RecordNotification(ctx, n); err != nil {
		s.logger.Error("Failed to record notification history",
			zap.String("household_id", msg.HouseholdID),
			zap.String("recipient", recipient),
			zap.Error(err),
		)
	}
}
