package provider

import (
	"context"

	"wisefido-checkin/internal/models"

	"go.uber.org/zap"
)

// PushGateway 推送网关客户端（APNs VoIP / FCM 数据推送）
type PushGateway struct {
	restClient
}

// NewPushGateway 创建推送网关客户端
func NewPushGateway(opts Options, logger *zap.Logger) *PushGateway {
	return &PushGateway{restClient: newRestClient("push_gateway", opts, logger)}
}

type voipPushRequest struct {
	Token    string             `json:"token"`
	PushType string             `json:"push_type"`
	Priority string             `json:"priority"`
	Payload  models.VoIPPayload `json:"payload"`
}

type dataPushRequest struct {
	Token        string            `json:"token"`
	Priority     string            `json:"priority"`
	Notification pushNotification  `json:"notification"`
	Data         map[string]string `json:"data"`
}

type pushNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type pushResponse struct {
	MessageID string `json:"message_id"`
}

// SendVoIPPush 发送高优先级来电推送
func (c *PushGateway) SendVoIPPush(ctx context.Context, token string, p models.VoIPPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var resp pushResponse
	if err := c.post(ctx, "/v1/push/voip", voipPushRequest{
		Token:    token,
		PushType: "voip",
		Priority: "high",
		Payload:  p,
	}, &resp); err != nil {
		return err
	}
	c.logger.Debug("VoIP push accepted",
		zap.String("session_id", p.SessionID),
		zap.String("message_id", resp.MessageID),
	)
	return nil
}

// SendDataPush 发送数据推送（data 只允许 string 值）
func (c *PushGateway) SendDataPush(ctx context.Context, token string, p models.DataPushPayload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var resp pushResponse
	if err := c.post(ctx, "/v1/push/data", dataPushRequest{
		Token:        token,
		Priority:     "high",
		Notification: pushNotification{Title: p.Title, Body: p.Body},
		Data:         p.Data(),
	}, &resp); err != nil {
		return err
	}
	c.logger.Debug("Data push accepted",
		zap.String("session_id", p.SessionID),
		zap.String("message_id", resp.MessageID),
	)
	return nil
}
