package escalation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wisefido-checkin/internal/config"
	"wisefido-checkin/internal/dispatcher"
	"wisefido-checkin/internal/metrics"
	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/ratelimit"
	"wisefido-checkin/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// ResolvedByRelative 老人接通后续呼叫时自动解除
	ResolvedByRelative = "relative_answered"

	recentLogLimit = 50
	staleBatchSize = 200
	serviceTarget  = "care_service"
)

// RuleStore 报警规则（只读）
type RuleStore interface {
	ListEnabled(ctx context.Context, householdID string, triggers ...models.TriggerType) ([]models.AlertRule, error)
	GetRule(ctx context.Context, ruleID string) (*models.AlertRule, error)
}

// LogStore 最近的呼叫结果（新到旧）
type LogStore interface {
	RecentLogs(ctx context.Context, relativeID string, limit int) ([]models.CallLog, error)
}

// EventStore 升级事件
type EventStore interface {
	Upsert(ctx context.Context, rule *models.AlertRule, relativeID, triggerRef string, now time.Time) (*repository.EscalationUpsert, error)
	Resolve(ctx context.Context, eventID, resolvedBy string, now time.Time) (bool, error)
	ResolveOpenForRelative(ctx context.Context, relativeID string, triggers []models.TriggerType, resolvedBy string, now time.Time) ([]string, error)
	GetEvent(ctx context.Context, eventID string) (*models.EscalationEvent, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]models.EscalationEvent, error)
}

// RelativeLookup 取老人称呼
type RelativeLookup interface {
	GetRelative(ctx context.Context, relativeID string) (*models.Relative, error)
}

// FamilySender 家属通知（dispatcher.FamilySender）
type FamilySender interface {
	Send(ctx context.Context, msg models.FamilyMessage, limitPerHour int) (dispatcher.SendReport, error)
}

// ServiceEscalator 外部照护升级服务
type ServiceEscalator interface {
	Escalate(ctx context.Context, req models.EscalationRequest) (string, error)
}

// Report 一次评估的结果
type Report struct {
	Fired    []string `json:"fired,omitempty"`    // 新建或升级的事件
	Limited  []string `json:"limited,omitempty"`  // 事件已升级但通知被规则限流
	Resolved []string `json:"resolved,omitempty"` // 自动解除的事件
}

func (r *Report) merge(o Report) {
	r.Fired = append(r.Fired, o.Fired...)
	r.Limited = append(r.Limited, o.Limited...)
	r.Resolved = append(r.Resolved, o.Resolved...)
}

// Engine 升级规则引擎
// 每个 (rule, relative) 最多一个未解决事件：Idle -> Firing(level 1) -> Firing(level+1) -> Resolved
type Engine struct {
	rules     RuleStore
	logs      LogStore
	events    EventStore
	relatives RelativeLookup
	family    FamilySender
	sink      dispatcher.NotificationSink
	service   ServiceEscalator
	limiter   ratelimit.Limiter
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine 创建升级引擎；service 为 nil 时 escalate_to_service 规则只记录事件
func NewEngine(
	rules RuleStore,
	logs LogStore,
	events EventStore,
	relatives RelativeLookup,
	family FamilySender,
	sink dispatcher.NotificationSink,
	service ServiceEscalator,
	limiter ratelimit.Limiter,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		rules:     rules,
		logs:      logs,
		events:    events,
		relatives: relatives,
		family:    family,
		sink:      sink,
		service:   service,
		limiter:   limiter,
		logger:    logger,
		now:       time.Now,
	}
}

var callTriggers = []models.TriggerType{models.TriggerMissedCall, models.TriggerConsecutiveMissed}

// OnCallOutcome 呼叫结果变化后评估
// answered/completed 解除该老人的通话类事件；missed/failed 评估通话类规则
func (e *Engine) OnCallOutcome(ctx context.Context, rs config.RunSettings, log *models.CallLog) (Report, error) {
	var report Report
	if log == nil || log.RelativeID == "" {
		return report, fmt.Errorf("relative_id is required")
	}
	if !log.Outcome.Terminal() {
		return report, nil
	}

	if log.Outcome.Reached() {
		stale, err := e.superseded(ctx, log)
		if err != nil {
			return report, err
		}
		if stale {
			e.logger.Info("Stale answered outcome ignored",
				zap.String("relative_id", log.RelativeID),
				zap.String("log_id", log.LogID),
			)
			return report, nil
		}
		ids, err := e.events.ResolveOpenForRelative(ctx, log.RelativeID, callTriggers, ResolvedByRelative, e.now().UTC())
		if err != nil {
			return report, fmt.Errorf("failed to resolve call escalations: %w", err)
		}
		if len(ids) > 0 {
			e.logger.Info("Escalations resolved by answered call",
				zap.String("relative_id", log.RelativeID),
				zap.Strings("event_ids", ids),
			)
		}
		report.Resolved = ids
		return report, nil
	}

	rules, err := e.rules.ListEnabled(ctx, log.HouseholdID, callTriggers...)
	if err != nil {
		return report, fmt.Errorf("failed to list alert rules: %w", err)
	}
	if len(rules) == 0 {
		return report, nil
	}

	recent, err := e.logs.RecentLogs(ctx, log.RelativeID, recentLogLimit)
	if err != nil {
		return report, fmt.Errorf("failed to load recent call logs: %w", err)
	}
	streak := UnansweredStreak(recent)

	for i := range rules {
		rule := &rules[i]
		if streak < threshold(rule) {
			continue
		}
		report.merge(e.fire(ctx, rs, rule, log.RelativeID, log.LogID, noticeFor(rule, streak)))
	}
	return report, nil
}

// superseded 已有更新的终态呼叫时，较早会话迟到的接通结果不再解除事件
func (e *Engine) superseded(ctx context.Context, log *models.CallLog) (bool, error) {
	recent, err := e.logs.RecentLogs(ctx, log.RelativeID, recentLogLimit)
	if err != nil {
		return false, fmt.Errorf("failed to load recent call logs: %w", err)
	}
	for _, l := range recent {
		if !l.Outcome.Terminal() {
			continue
		}
		return l.LogID != log.LogID && l.StartedAt.After(log.StartedAt), nil
	}
	return false, nil
}

// OnSignal 通话分析上报健康信号后评估
func (e *Engine) OnSignal(ctx context.Context, rs config.RunSettings, sig models.HealthSignal) (Report, error) {
	var report Report
	if sig.SignalID == "" {
		return report, fmt.Errorf("signal_id is required")
	}
	if sig.RelativeID == "" {
		return report, fmt.Errorf("relative_id is required")
	}

	var trigger models.TriggerType
	switch sig.Kind {
	case models.SignalHealthConcern:
		trigger = models.TriggerHealthConcern
	case models.SignalEmergency:
		trigger = models.TriggerEmergency
	default:
		return report, fmt.Errorf("unknown signal kind %q", sig.Kind)
	}

	rules, err := e.rules.ListEnabled(ctx, sig.HouseholdID, trigger)
	if err != nil {
		return report, fmt.Errorf("failed to list alert rules: %w", err)
	}
	for i := range rules {
		rule := &rules[i]
		if trigger == models.TriggerHealthConcern && sig.Severity < rule.Threshold {
			continue
		}
		text := noticeFor(rule, 0)
		if sig.Summary != "" {
			text.body = "%s: " + strings.ReplaceAll(sig.Summary, "%", "%%")
		}
		report.merge(e.fire(ctx, rs, rule, sig.RelativeID, "signal:"+sig.SignalID, text))
	}
	return report, nil
}

// Sweep 未解决且超过重复间隔的事件再升级一级
// 触发证据按时间桶生成，同一桶内重复执行不会重复升级
func (e *Engine) Sweep(ctx context.Context, rs config.RunSettings) (Report, error) {
	var report Report
	interval := rs.EscalationRepeatInterval
	if interval <= 0 {
		return report, nil
	}
	now := e.now().UTC()
	stale, err := e.events.ListStale(ctx, now.Add(-interval), staleBatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list stale escalations: %w", err)
	}

	ref := "repeat:" + strconv.FormatInt(now.Truncate(interval).Unix(), 10)
	for _, ev := range stale {
		rule, err := e.rules.GetRule(ctx, ev.RuleID)
		if err != nil {
			e.logger.Warn("Skipping stale escalation without rule",
				zap.String("event_id", ev.EventID),
				zap.String("rule_id", ev.RuleID),
				zap.Error(err),
			)
			continue
		}
		if !rule.Enabled {
			continue
		}
		text := noticeFor(rule, 0)
		text.title = "Still unresolved: " + text.title
		report.merge(e.fire(ctx, rs, rule, ev.RelativeID, ref, text))
	}
	return report, nil
}

// Resolve 外部确认后解除事件；false 表示早已解除
func (e *Engine) Resolve(ctx context.Context, eventID, resolvedBy string) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("event_id is required")
	}
	if resolvedBy == "" {
		return false, fmt.Errorf("resolved_by is required")
	}
	resolved, err := e.events.Resolve(ctx, eventID, resolvedBy, e.now().UTC())
	if err != nil {
		return false, err
	}
	if resolved {
		e.logger.Info("Escalation resolved",
			zap.String("event_id", eventID),
			zap.String("resolved_by", resolvedBy),
		)
	}
	return resolved, nil
}

// fire 记录触发并按规则动作投递；投递失败只记日志，事件状态已落库
func (e *Engine) fire(ctx context.Context, rs config.RunSettings, rule *models.AlertRule, relativeID, triggerRef string, text notice) Report {
	var report Report
	now := e.now().UTC()

	up, err := e.events.Upsert(ctx, rule, relativeID, triggerRef, now)
	if err != nil {
		e.logger.Error("Failed to record escalation",
			zap.String("rule_id", rule.RuleID),
			zap.String("relative_id", relativeID),
			zap.Error(err),
		)
		return report
	}
	if up == nil {
		// 同一证据已评估过，或事件已解除
		return report
	}
	ev := up.Event
	metrics.EscalationsTotal.WithLabelValues(string(rule.TriggerType), string(rule.Action)).Inc()

	fields := []zap.Field{
		zap.String("event_id", ev.EventID),
		zap.String("rule_id", rule.RuleID),
		zap.String("relative_id", relativeID),
		zap.String("trigger_type", string(rule.TriggerType)),
		zap.Int("level", ev.Level),
		zap.String("trigger_ref", triggerRef),
	}

	key := fmt.Sprintf("escalation:rule:%s:%s", rule.RuleID, relativeID)
	allowed, err := e.limiter.Allow(ctx, key, rs.RuleRateLimitPerHour, time.Hour)
	if err != nil {
		e.logger.Warn("Rule rate limiter unavailable, sending anyway", append(fields, zap.Error(err))...)
		allowed = true
	}

	name := e.relativeName(ctx, relativeID)
	title := text.title
	body := fmt.Sprintf(text.body, name)

	if !allowed {
		e.logger.Warn("Escalation notifications rate limited", fields...)
		for _, recipient := range targets(rule) {
			e.record(ctx, &ev, rule, recipient, title, body, models.NotificationRateLimited, nil)
		}
		report.Limited = append(report.Limited, ev.EventID)
		return report
	}

	switch rule.Action {
	case models.ActionNotifyFamily:
		if len(rule.Recipients) == 0 {
			e.logger.Warn("Escalation rule has no recipients", fields...)
			break
		}
		msg := models.FamilyMessage{
			HouseholdID: ev.HouseholdID,
			RelativeID:  relativeID,
			Channel:     rule.ChannelForLevel(ev.Level),
			Recipients:  rule.Recipients,
			Title:       title,
			Body:        body,
			Data: map[string]string{
				"type":     models.PushTypeEscalation,
				"event_id": ev.EventID,
				"level":    strconv.Itoa(ev.Level),
			},
		}
		if _, err := e.family.Send(ctx, msg, rs.FamilyRateLimitPerHour); err != nil {
			e.logger.Warn("Escalation family notification failed", append(fields, zap.Error(err))...)
		}
	case models.ActionEscalateToService:
		e.escalateToService(ctx, &ev, rule, title, body, now, fields)
	}

	e.logger.Info("Escalation fired", append(fields, zap.Bool("created", up.Created))...)
	report.Fired = append(report.Fired, ev.EventID)
	return report
}

func (e *Engine) escalateToService(ctx context.Context, ev *models.EscalationEvent, rule *models.AlertRule, title, body string, now time.Time, fields []zap.Field) {
	if e.service == nil {
		e.logger.Warn("Escalation service not configured", fields...)
		detail := "escalation service not configured"
		e.record(ctx, ev, rule, serviceTarget, title, body, models.NotificationFailed, &detail)
		return
	}
	caseID, err := e.service.Escalate(ctx, models.EscalationRequest{
		EventID:     ev.EventID,
		RuleID:      rule.RuleID,
		HouseholdID: ev.HouseholdID,
		RelativeID:  ev.RelativeID,
		TriggerType: rule.TriggerType,
		Level:       ev.Level,
		Summary:     body,
		OccurredAt:  now,
	})
	if err != nil {
		e.logger.Warn("Escalation service call failed", append(fields, zap.Error(err))...)
		detail := err.Error()
		e.record(ctx, ev, rule, serviceTarget, title, body, models.NotificationFailed, &detail)
		return
	}
	e.logger.Info("Escalated to care service", append(fields, zap.String("case_id", caseID))...)
	e.record(ctx, ev, rule, serviceTarget, title, body, models.NotificationSent, nil)
}

func (e *Engine) record(ctx context.Context, ev *models.EscalationEvent, rule *models.AlertRule, recipient, title, body string, status models.NotificationStatus, detail *string) {
	if e.sink == nil {
		return
	}
	ch := string(rule.ChannelForLevel(ev.Level))
	if rule.Action == models.ActionEscalateToService {
		ch = "service"
	}
	metrics.FamilyNotificationsTotal.WithLabelValues(ch, string(status)).Inc()
	err := e.sink.RecordNotification(ctx, &models.NotificationHistory{
		ID:          uuid.NewString(),
		HouseholdID: ev.HouseholdID,
		RelativeID:  ev.RelativeID,
		Recipient:   recipient,
		Channel:     ch,
		Title:       title,
		Body:        body,
		Status:      status,
		Error:       detail,
		CreatedAt:   e.now().UTC(),
	})
	if err != nil {
		e.logger.Error("Failed to record notification history",
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
	}
}

func (e *Engine) relativeName(ctx context.Context, relativeID string) string {
	if e.relatives == nil {
		return "Your relative"
	}
	rel, err := e.relatives.GetRelative(ctx, relativeID)
	if err != nil || rel.DisplayName == "" {
		return "Your relative"
	}
	return rel.DisplayName
}

// UnansweredStreak 从最近一条开始连续未接通的次数（新到旧；initiated 跳过）
func UnansweredStreak(logs []models.CallLog) int {
	n := 0
	for _, l := range logs {
		switch {
		case !l.Outcome.Terminal():
			continue
		case l.Outcome.Reached():
			return n
		default:
			n++
		}
	}
	return n
}

// threshold 通话类规则的阈值；未配置时 missed_call 为 1，consecutive_missed 为 2
func threshold(rule *models.AlertRule) int {
	if rule.Threshold > 0 {
		return rule.Threshold
	}
	if rule.TriggerType == models.TriggerConsecutiveMissed {
		return 2
	}
	return 1
}

func targets(rule *models.AlertRule) []string {
	if rule.Action == models.ActionEscalateToService {
		return []string{serviceTarget}
	}
	return rule.Recipients
}

// notice 通知文案；body 含一个 %s（老人称呼）
type notice struct {
	title string
	body  string
}

func noticeFor(rule *models.AlertRule, streak int) notice {
	switch rule.TriggerType {
	case models.TriggerMissedCall:
		return notice{"Missed check-in call", "%s did not answer the latest check-in call."}
	case models.TriggerConsecutiveMissed:
		return notice{"Check-in calls missed", "%s has missed " + strconv.Itoa(streak) + " check-in calls in a row."}
	case models.TriggerEmergency:
		return notice{"Emergency during check-in", "%s may need urgent help."}
	default:
		return notice{"Health concern raised", "A check-in call with %s raised a health concern."}
	}
}
