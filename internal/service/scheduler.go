package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wisefido-checkin/internal/channel"
	"wisefido-checkin/internal/config"
	"wisefido-checkin/internal/dispatcher"
	"wisefido-checkin/internal/escalation"
	"wisefido-checkin/internal/finder"
	"wisefido-checkin/internal/metrics"
	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/tracker"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const maxSummaryErrors = 20

// CallDispatcher 投递器（dispatcher.Dispatcher）
type CallDispatcher interface {
	Dispatch(ctx context.Context, rs config.RunSettings, req dispatcher.Request) dispatcher.Result
}

// Escalations 升级引擎（escalation.Engine）
type Escalations interface {
	OnCallOutcome(ctx context.Context, rs config.RunSettings, log *models.CallLog) (escalation.Report, error)
	OnSignal(ctx context.Context, rs config.RunSettings, sig models.HealthSignal) (escalation.Report, error)
	Sweep(ctx context.Context, rs config.RunSettings) (escalation.Report, error)
	Resolve(ctx context.Context, eventID, resolvedBy string) (bool, error)
}

// HeartbeatRecorder 运行心跳（audit.Recorder）
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, jobName string, status models.HeartbeatStatus, details any) (*models.Heartbeat, error)
}

// TickSummary 单次运行汇总（同时写入心跳 details）
type TickSummary struct {
	Status       models.HeartbeatStatus `json:"status"`
	TotalDue     int                    `json:"total_due"`
	Dispatched   int                    `json:"dispatched"`
	Failed       int                    `json:"failed"`
	Skipped      int                    `json:"skipped"`
	ConfigErrors int                    `json:"config_errors"`
	NotStarted   int                    `json:"not_started"`
	Escalated    int                    `json:"escalated"`
	Errors       []string               `json:"errors,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
}

func (s *TickSummary) addError(msg string) {
	if len(s.Errors) < maxSummaryErrors {
		s.Errors = append(s.Errors, msg)
	}
}

// SchedulerDeps 调度服务依赖
type SchedulerDeps struct {
	JobName    string
	Defaults   config.RunSettings
	Settings   SettingsLoader
	Finder     *finder.Finder
	Resolver   *channel.Resolver
	Tracker    *tracker.Tracker
	Dispatcher CallDispatcher
	Escalation Escalations
	Audit      HeartbeatRecorder
	Logger     *zap.Logger
}

// SchedulerService 每次 tick：查找到期时段 -> 选渠道 -> 抢占 -> 投递 -> 升级评估 -> 心跳
type SchedulerService struct {
	jobName    string
	settings   settingsSource
	finder     *finder.Finder
	resolver   *channel.Resolver
	tracker    *tracker.Tracker
	dispatcher CallDispatcher
	escalation Escalations
	audit      HeartbeatRecorder
	logger     *zap.Logger
	now        func() time.Time
}

// NewSchedulerService 创建调度服务
func NewSchedulerService(deps SchedulerDeps) *SchedulerService {
	return &SchedulerService{
		jobName:    deps.JobName,
		settings:   settingsSource{defaults: deps.Defaults, loader: deps.Settings, logger: deps.Logger},
		finder:     deps.Finder,
		resolver:   deps.Resolver,
		tracker:    deps.Tracker,
		dispatcher: deps.Dispatcher,
		escalation: deps.Escalation,
		audit:      deps.Audit,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

type tupleStatus int

const (
	tupleDispatched tupleStatus = iota
	tupleFailed
	tupleSkipped
)

// Tick 执行一次调度；多个 tick 可并发执行，抢占标记保证每个时段至多尝试一次
// 只有到期查询失败时返回 error（心跳记为 failed）
func (s *SchedulerService) Tick(ctx context.Context) (*TickSummary, error) {
	start := s.now()
	rs := s.settings.load(ctx)
	summary := &TickSummary{}

	runCtx, cancel := context.WithTimeout(ctx, rs.RunWindow)
	defer cancel()

	res, err := s.finder.FindDue(runCtx, start, rs.WindowOptions())
	if err != nil {
		s.logger.Error("Tick aborted, due query failed", zap.Error(err))
		summary.Status = models.HeartbeatFailed
		summary.addError(err.Error())
		s.finish(ctx, start, summary)
		return summary, err
	}
	summary.TotalDue = len(res.Due)
	summary.ConfigErrors = len(res.ConfigErrors)
	for _, ce := range res.ConfigErrors {
		summary.addError(fmt.Sprintf("%s: %v", ce.RelativeID, ce.Err))
	}

	var mu sync.Mutex
	var g errgroup.Group
	workers := semaphore.NewWeighted(int64(rs.Workers))
	notStarted := func() {
		mu.Lock()
		summary.NotStarted++
		mu.Unlock()
	}
	for _, due := range res.Due {
		// 等待空闲 worker；窗口结束后不再开始新的时段
		if err := workers.Acquire(runCtx, 1); err != nil {
			notStarted()
			continue
		}
		if runCtx.Err() != nil {
			workers.Release(1)
			notStarted()
			continue
		}
		g.Go(func() error {
			defer workers.Release(1)
			status, err := s.processSafe(ctx, rs, due)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case tupleDispatched:
				summary.Dispatched++
			case tupleSkipped:
				summary.Skipped++
			default:
				summary.Failed++
			}
			if err != nil {
				summary.addError(fmt.Sprintf("%s/%s/%s: %v", due.Relative.RelativeID, due.Slot.SlotDate, due.Slot.SlotType, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if summary.NotStarted > 0 {
		s.logger.Warn("Run window elapsed before all due slots started",
			zap.Int("not_started", summary.NotStarted),
			zap.Duration("run_window", rs.RunWindow),
		)
	}

	// 超过重复间隔仍未解决的事件
	if s.escalation != nil {
		report, err := s.escalation.Sweep(context.WithoutCancel(ctx), rs)
		if err != nil {
			s.logger.Warn("Escalation sweep failed", zap.Error(err))
			summary.addError("escalation sweep: " + err.Error())
		}
		summary.Escalated = len(report.Fired)
	}

	switch {
	case summary.Failed > 0 || summary.ConfigErrors > 0 || summary.NotStarted > 0:
		summary.Status = models.HeartbeatPartial
	default:
		summary.Status = models.HeartbeatSuccess
	}
	s.finish(ctx, start, summary)
	return summary, nil
}

func (s *SchedulerService) finish(ctx context.Context, start time.Time, summary *TickSummary) {
	elapsed := s.now().Sub(start)
	summary.DurationMs = elapsed.Milliseconds()
	metrics.TicksTotal.WithLabelValues(string(summary.Status)).Inc()
	metrics.TickDuration.Observe(elapsed.Seconds())

	if s.audit != nil {
		if _, err := s.audit.RecordHeartbeat(context.WithoutCancel(ctx), s.jobName, summary.Status, summary); err != nil {
			s.logger.Error("Failed to record heartbeat", zap.Error(err))
		}
	}
	s.logger.Info("Tick finished",
		zap.String("status", string(summary.Status)),
		zap.Int("total_due", summary.TotalDue),
		zap.Int("dispatched", summary.Dispatched),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("config_errors", summary.ConfigErrors),
		zap.Int("not_started", summary.NotStarted),
		zap.Duration("elapsed", elapsed),
	)
}

// processSafe 单个时段的故障隔离：panic 记为失败
func (s *SchedulerService) processSafe(ctx context.Context, rs config.RunSettings, due finder.Due) (status tupleStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered panic while processing due slot",
				zap.String("relative_id", due.Relative.RelativeID),
				zap.String("slot_type", string(due.Slot.SlotType)),
				zap.Any("panic", r),
			)
			status, err = tupleFailed, fmt.Errorf("panic: %v", r)
		}
	}()
	return s.process(ctx, rs, due)
}

// process 已开始的时段与运行窗口脱钩，外部调用各自有超时
func (s *SchedulerService) process(ctx context.Context, rs config.RunSettings, due finder.Due) (tupleStatus, error) {
	ctx = context.WithoutCancel(ctx)
	rel := due.Relative
	slot := due.Slot

	decision := s.resolver.Resolve(due.CallMode, &rel, due.Pairing)

	claimed, err := s.tracker.Reserve(ctx, rel.RelativeID, rel.HouseholdID, slot.SlotDate, slot.SlotType)
	if err != nil {
		s.logger.Error("Failed to reserve slot",
			zap.String("relative_id", rel.RelativeID),
			zap.String("slot_type", string(slot.SlotType)),
			zap.Error(err),
		)
		return tupleFailed, err
	}
	if !claimed {
		return tupleSkipped, nil
	}

	session := &models.CallSession{
		SessionID:   uuid.NewString(),
		HouseholdID: rel.HouseholdID,
		RelativeID:  rel.RelativeID,
		SlotType:    slot.SlotType,
		SlotDate:    slot.SlotDate,
		Provider:    decision.Provider,
		Platform:    string(decision.Platform),
	}
	created, err := s.tracker.OpenSession(ctx, session)
	if err != nil {
		s.logger.Error("Failed to open call session",
			zap.String("relative_id", rel.RelativeID),
			zap.String("slot_type", string(slot.SlotType)),
			zap.Error(err),
		)
		return tupleFailed, err
	}
	if !created {
		return tupleSkipped, nil
	}

	result := s.dispatcher.Dispatch(ctx, rs, dispatcher.Request{
		Session:  session,
		Relative: &rel,
		Decision: decision,
	})
	if result.Outcome != models.OutcomeFailed {
		return tupleDispatched, nil
	}

	if s.escalation != nil && result.Log != nil {
		if _, err := s.escalation.OnCallOutcome(ctx, rs, result.Log); err != nil {
			s.logger.Warn("Escalation evaluation failed",
				zap.String("relative_id", rel.RelativeID),
				zap.Error(err),
			)
		}
	}
	return tupleFailed, result.Err
}
