package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-checkin/internal/channel"
	"wisefido-checkin/internal/config"
	"wisefido-checkin/internal/events"
	"wisefido-checkin/internal/metrics"
	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/provider"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoChannel 没有可用的投递目标（计为失败，不重试）
	ErrNoChannel = errors.New("no usable delivery channel")
	// ErrInvalidPayload 负载缺字段，属于配置或代码问题
	ErrInvalidPayload = models.ErrInvalidPayload
)

// ProviderError 外部服务的瞬时失败
type ProviderError = provider.Error

// PushProvider 推送网关
type PushProvider interface {
	SendVoIPPush(ctx context.Context, token string, p models.VoIPPayload) error
	SendDataPush(ctx context.Context, token string, p models.DataPushPayload) error
}

// TelephonyProvider 外呼服务
type TelephonyProvider interface {
	PlaceCall(ctx context.Context, relativeID string, meta models.CallMetadata) (string, error)
}

// LogWriter 呼叫结果落库（tracker.Tracker）
type LogWriter interface {
	Commit(ctx context.Context, l *models.CallLog) error
}

// MemberLister 需要收到"已拨出"通知的家属
type MemberLister interface {
	ListNotifiable(ctx context.Context, householdID string) ([]models.HouseholdMember, error)
}

// Request 单个时段的投递请求
type Request struct {
	Session  *models.CallSession
	Relative *models.Relative
	Decision channel.Decision
}

// Result 投递结果
type Result struct {
	Outcome      models.CallOutcome `json:"outcome"` // initiated 或 failed
	Kind         channel.Kind       `json:"kind"`
	UsedFallback bool               `json:"used_fallback,omitempty"`
	ProviderRef  string             `json:"provider_ref,omitempty"`
	Log          *models.CallLog    `json:"-"`
	Err          error              `json:"-"`
}

// Dispatcher 按渠道投递时段呼叫
type Dispatcher struct {
	push       PushProvider
	telephony  TelephonyProvider
	logs       LogWriter
	members    MemberLister
	family     *FamilySender
	publisher  events.Publisher
	callerName string
	logger     *zap.Logger
	now        func() time.Time
}

// NewDispatcher 创建投递器
func NewDispatcher(
	push PushProvider,
	telephony TelephonyProvider,
	logs LogWriter,
	members MemberLister,
	family *FamilySender,
	publisher events.Publisher,
	logger *zap.Logger,
) *Dispatcher {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Dispatcher{
		push:       push,
		telephony:  telephony,
		logs:       logs,
		members:    members,
		family:     family,
		publisher:  publisher,
		callerName: "WiseFido Check-in",
		logger:     logger,
		now:        time.Now,
	}
}

// Dispatch 投递一次时段呼叫并记录 CallLog
// 不返回 error：失败体现在 Result.Outcome=failed 与 Result.Err
func (d *Dispatcher) Dispatch(ctx context.Context, rs config.RunSettings, req Request) Result {
	res := Result{Kind: req.Decision.Kind}
	s := req.Session
	startedAt := d.now().UTC()

	var err error
	switch req.Decision.Kind {
	case channel.KindVoIP:
		err = d.withTimeout(ctx, rs.DispatchTimeout, func(ctx context.Context) error {
			return d.push.SendVoIPPush(ctx, req.Decision.PrimaryToken, d.voipPayload(s))
		})
		if err != nil && req.Decision.FallbackToken != "" && !errors.Is(err, ErrInvalidPayload) {
			d.logger.Warn("VoIP push failed, falling back to data push",
				zap.String("session_id", s.SessionID),
				zap.String("relative_id", s.RelativeID),
				zap.Error(err),
			)
			err = d.withTimeout(ctx, rs.DispatchTimeout, func(ctx context.Context) error {
				return d.push.SendDataPush(ctx, req.Decision.FallbackToken, d.dataPayload(s, req.Relative))
			})
			if err == nil {
				res.Kind = channel.KindDataPush
				res.UsedFallback = true
			}
		}
	case channel.KindDataPush:
		err = d.withTimeout(ctx, rs.DispatchTimeout, func(ctx context.Context) error {
			return d.push.SendDataPush(ctx, req.Decision.PrimaryToken, d.dataPayload(s, req.Relative))
		})
	case channel.KindTelephony:
		err = d.withTimeout(ctx, rs.DispatchTimeout, func(ctx context.Context) error {
			ref, err := d.telephony.PlaceCall(ctx, s.RelativeID, models.CallMetadata{
				SessionID:   s.SessionID,
				HouseholdID: s.HouseholdID,
				RelativeID:  s.RelativeID,
				Phone:       req.Decision.Phone,
				CallerName:  d.callerName,
			})
			res.ProviderRef = ref
			return err
		})
	default:
		err = fmt.Errorf("%w: %s", ErrNoChannel, req.Decision.Reason)
	}

	log := &models.CallLog{
		LogID:       uuid.NewString(),
		SessionID:   s.SessionID,
		HouseholdID: s.HouseholdID,
		RelativeID:  s.RelativeID,
		Provider:    s.Provider,
		Outcome:     models.OutcomeInitiated,
		StartedAt:   startedAt,
	}
	if err != nil {
		detail := err.Error()
		log.Outcome = models.OutcomeFailed
		log.ErrorDetail = &detail
		ended := d.now().UTC()
		log.EndedAt = &ended
		d.logFailure(s, req.Decision, err)
	}
	res.Outcome = log.Outcome
	res.Log = log
	res.Err = err
	metrics.DispatchTotal.WithLabelValues(string(s.Provider), string(res.Kind), string(res.Outcome)).Inc()

	if cerr := d.logs.Commit(ctx, log); cerr != nil {
		d.logger.Error("Failed to record call log",
			zap.String("session_id", s.SessionID),
			zap.Error(cerr),
		)
		if res.Err == nil {
			res.Err = cerr
		}
	}

	if perr := d.publisher.PublishSession(ctx, models.SessionEvent{
		SessionID:   s.SessionID,
		HouseholdID: s.HouseholdID,
		RelativeID:  s.RelativeID,
		SlotType:    s.SlotType,
		Outcome:     log.Outcome,
		At:          startedAt,
	}); perr != nil {
		d.logger.Warn("Failed to publish session event",
			zap.String("session_id", s.SessionID),
			zap.Error(perr),
		)
	}

	if err == nil && rs.NotifyFamilyOnDispatch {
		d.notifyFamily(ctx, rs, s, req.Relative)
	}

	d.logger.Info("Wellbeing call dispatched",
		zap.String("session_id", s.SessionID),
		zap.String("relative_id", s.RelativeID),
		zap.String("slot_type", string(s.SlotType)),
		zap.String("kind", string(res.Kind)),
		zap.String("outcome", string(res.Outcome)),
		zap.Bool("used_fallback", res.UsedFallback),
	)
	return res
}

// withTimeout 每次外部调用单独计时
func (d *Dispatcher) withTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(callCtx)
}

func (d *Dispatcher) logFailure(s *models.CallSession, decision channel.Decision, err error) {
	fields := []zap.Field{
		zap.String("session_id", s.SessionID),
		zap.String("relative_id", s.RelativeID),
		zap.String("slot_type", string(s.SlotType)),
		zap.String("kind", string(decision.Kind)),
		zap.Error(err),
	}
	var perr *ProviderError
	switch {
	case errors.Is(err, ErrInvalidPayload):
		d.logger.Error("Invalid call payload", fields...)
	case errors.As(err, &perr):
		d.logger.Warn("Provider rejected call", append(fields, zap.Int("status_code", perr.StatusCode))...)
	case errors.Is(err, ErrNoChannel):
		d.logger.Warn("No delivery channel for relative", fields...)
	default:
		d.logger.Warn("Call dispatch failed", fields...)
	}
}

func (d *Dispatcher) voipPayload(s *models.CallSession) models.VoIPPayload {
	return models.VoIPPayload{
		SessionID:   s.SessionID,
		CallerName:  d.callerName,
		HouseholdID: s.HouseholdID,
		RelativeID:  s.RelativeID,
	}
}

func (d *Dispatcher) dataPayload(s *models.CallSession, rel *models.Relative) models.DataPushPayload {
	return models.DataPushPayload{
		Title:       "Time for your check-in call",
		Body:        fmt.Sprintf("Hi %s, tap to start your %s chat.", displayName(rel, "there"), s.SlotType),
		Type:        models.PushTypeWellbeingCall,
		SessionID:   s.SessionID,
		HouseholdID: s.HouseholdID,
		RelativeID:  s.RelativeID,
	}
}

// notifyFamily 告知家属呼叫已拨出；失败只记日志
func (d *Dispatcher) notifyFamily(ctx context.Context, rs config.RunSettings, s *models.CallSession, rel *models.Relative) {
	if d.family == nil || d.members == nil {
		return
	}
	members, err := d.members.ListNotifiable(ctx, s.HouseholdID)
	if err != nil {
		d.logger.Warn("Failed to list family members for dispatch notice",
			zap.String("household_id", s.HouseholdID),
			zap.Error(err),
		)
		return
	}

	byChannel := map[models.Channel][]string{}
	var order []models.Channel
	for _, m := range members {
		ch := models.Channel(m.PreferredChannel)
		switch ch {
		case models.ChannelPush, models.ChannelEmail, models.ChannelSMS:
		default:
			ch = models.ChannelPush
		}
		if _, ok := byChannel[ch]; !ok {
			order = append(order, ch)
		}
		byChannel[ch] = append(byChannel[ch], m.MemberID)
	}

	for _, ch := range order {
		msg := models.FamilyMessage{
			HouseholdID: s.HouseholdID,
			RelativeID:  s.RelativeID,
			Channel:     ch,
			Recipients:  byChannel[ch],
			Title:       "Check-in call started",
			Body:        fmt.Sprintf("%s: %s check-in call has been placed.", displayName(rel, "Your relative"), s.SlotType),
			Data: map[string]string{
				"type":       models.PushTypeFamilyInfo,
				"session_id": s.SessionID,
			},
		}
		if _, err := d.family.Send(ctx, msg, rs.FamilyRateLimitPerHour); err != nil {
			d.logger.Warn("Dispatch notice to family failed",
				zap.String("household_id", s.HouseholdID),
				zap.String("channel", string(ch)),
				zap.Error(err),
			)
		}
	}
}

func displayName(rel *models.Relative, fallback string) string {
	if rel == nil || rel.DisplayName == "" {
		return fallback
	}
	return rel.DisplayName
}
