package provider

import (
	"context"
	"errors"
	"fmt"

	"wisefido-checkin/internal/models"

	"go.uber.org/zap"
)

// FamilyNotifier 家属通知网关客户端（push / email / sms / phone）
type FamilyNotifier struct {
	restClient
}

// NewFamilyNotifier 创建家属通知网关客户端
func NewFamilyNotifier(opts Options, logger *zap.Logger) *FamilyNotifier {
	return &FamilyNotifier{restClient: newRestClient("family_notify", opts, logger)}
}

// Notify 按渠道通知一组接收人
// sms / email 逐个接收人发送，全部尝试后合并错误；push / phone 整批交给通知接口
func (c *FamilyNotifier) Notify(ctx context.Context, msg models.FamilyMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	switch msg.Channel {
	case models.ChannelSMS:
		return c.each(msg, func(to string) error {
			p := models.SMSPayload{To: to, Body: smsText(msg)}
			if err := p.Validate(); err != nil {
				return err
			}
			return c.post(ctx, "/v1/sms", p, nil)
		})
	case models.ChannelEmail:
		return c.each(msg, func(to string) error {
			p := models.EmailPayload{To: to, Subject: msg.Title, Body: msg.Body}
			if err := p.Validate(); err != nil {
				return err
			}
			return c.post(ctx, "/v1/email", p, nil)
		})
	default:
		return c.post(ctx, "/v1/notifications", msg, nil)
	}
}

func (c *FamilyNotifier) each(msg models.FamilyMessage, send func(to string) error) error {
	var errs []error
	for _, to := range msg.Recipients {
		if err := send(to); err != nil {
			c.logger.Warn("Family notification to recipient failed",
				zap.String("channel", string(msg.Channel)),
				zap.String("recipient", to),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

// smsText 短信没有标题，标题拼在正文前
func smsText(msg models.FamilyMessage) string {
	if msg.Body == "" {
		return msg.Title
	}
	return msg.Title + ": " + msg.Body
}

// EscalationService 外部照护升级服务客户端
type EscalationService struct {
	restClient
}

// NewEscalationService 创建升级服务客户端
func NewEscalationService(opts Options, logger *zap.Logger) *EscalationService {
	return &EscalationService{restClient: newRestClient("escalation_service", opts, logger)}
}

type escalateResponse struct {
	CaseID string `json:"case_id"`
}

// Escalate 提交升级请求，返回外部工单 ID
func (c *EscalationService) Escalate(ctx context.Context, req models.EscalationRequest) (string, error) {
	var resp escalateResponse
	if err := c.post(ctx, "/v1/escalations", req, &resp); err != nil {
		return "", err
	}
	c.logger.Info("Escalated to care service",
		zap.String("event_id", req.EventID),
		zap.Int("level", req.Level),
		zap.String("case_id", resp.CaseID),
	)
	return resp.CaseID, nil
}
