package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-checkin/internal/config"
	"wisefido-checkin/internal/escalation"
	"wisefido-checkin/internal/events"
	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/repository"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// OutcomeStore 呼叫结果回报
type OutcomeStore interface {
	GetSession(ctx context.Context, sessionID string) (*models.CallSession, error)
	UpdateOutcome(ctx context.Context, sessionID string, outcome models.CallOutcome, durationSec int, endedAt time.Time, detail *string) (*models.CallLog, error)
}

// OutcomeReport 下游通话处理回报的终态结果
type OutcomeReport struct {
	SessionID   string             `json:"session_id" validate:"required"`
	Outcome     models.CallOutcome `json:"outcome" validate:"oneof=answered completed missed failed"`
	DurationSec int                `json:"duration_sec" validate:"min=0"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
	ErrorDetail *string            `json:"error_detail,omitempty"`
}

// IngestResult 回报处理结果
type IngestResult struct {
	Log        *models.CallLog   `json:"log,omitempty"`
	Escalation escalation.Report `json:"escalation"`
}

// IngestService 处理通话结果与健康信号回报，驱动升级引擎
type IngestService struct {
	outcomes  OutcomeStore
	engine    Escalations
	publisher events.Publisher
	settings  settingsSource
	validate  *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewIngestService 创建回报处理服务
func NewIngestService(outcomes OutcomeStore, engine Escalations, publisher events.Publisher, defaults config.RunSettings, settings SettingsLoader, logger *zap.Logger) *IngestService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &IngestService{
		outcomes:  outcomes,
		engine:    engine,
		publisher: publisher,
		settings:  settingsSource{defaults: defaults, loader: settings, logger: logger},
		validate:  validator.New(),
		logger:    logger,
		now:       time.Now,
	}
}

// ReportOutcome 更新最近一次 initiated 的 CallLog 并评估升级
// 重复回报返回 repository.ErrOutcomeFinal
func (s *IngestService) ReportOutcome(ctx context.Context, rep OutcomeReport) (*IngestResult, error) {
	if err := s.validate.Struct(rep); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	endedAt := s.now().UTC()
	if rep.EndedAt != nil {
		endedAt = rep.EndedAt.UTC()
	}

	log, err := s.outcomes.UpdateOutcome(ctx, rep.SessionID, rep.Outcome, rep.DurationSec, endedAt, rep.ErrorDetail)
	if err != nil {
		if errors.Is(err, repository.ErrOutcomeFinal) {
			s.logger.Info("Duplicate call outcome ignored",
				zap.String("session_id", rep.SessionID),
				zap.String("outcome", string(rep.Outcome)),
			)
		}
		return nil, err
	}
	s.logger.Info("Call outcome recorded",
		zap.String("session_id", log.SessionID),
		zap.String("relative_id", log.RelativeID),
		zap.String("outcome", string(log.Outcome)),
		zap.Int("duration_sec", log.DurationSec),
	)

	ev := models.SessionEvent{
		SessionID:   log.SessionID,
		HouseholdID: log.HouseholdID,
		RelativeID:  log.RelativeID,
		Outcome:     log.Outcome,
		At:          endedAt,
	}
	if session, err := s.outcomes.GetSession(ctx, log.SessionID); err == nil {
		ev.SlotType = session.SlotType
	}
	if err := s.publisher.PublishSession(ctx, ev); err != nil {
		s.logger.Warn("Failed to publish session event",
			zap.String("session_id", log.SessionID),
			zap.Error(err),
		)
	}

	report, err := s.engine.OnCallOutcome(ctx, s.settings.load(ctx), log)
	if err != nil {
		return &IngestResult{Log: log}, fmt.Errorf("failed to evaluate escalation: %w", err)
	}
	return &IngestResult{Log: log, Escalation: report}, nil
}

// ReportSignal 通话分析上报的健康/紧急信号
func (s *IngestService) ReportSignal(ctx context.Context, sig models.HealthSignal) (escalation.Report, error) {
	if err := s.validate.Struct(sig); err != nil {
		return escalation.Report{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if sig.ObservedAt.IsZero() {
		sig.ObservedAt = s.now().UTC()
	}
	s.logger.Info("Health signal received",
		zap.String("signal_id", sig.SignalID),
		zap.String("relative_id", sig.RelativeID),
		zap.String("kind", string(sig.Kind)),
		zap.Int("severity", sig.Severity),
	)
	return s.engine.OnSignal(ctx, s.settings.load(ctx), sig)
}

// ResolveEscalation 外部确认解除
func (s *IngestService) ResolveEscalation(ctx context.Context, eventID, resolvedBy string) (bool, error) {
	return s.engine.Resolve(ctx, eventID, resolvedBy)
}

// ErrInvalidReport 回报字段不合法
var ErrInvalidReport = errors.New("invalid report")
