package provider

import (
	"context"

	"wisefido-checkin/internal/models"

	"go.uber.org/zap"
)

// TelephonyClient 外呼服务客户端
type TelephonyClient struct {
	restClient
}

// NewTelephonyClient 创建外呼服务客户端
func NewTelephonyClient(opts Options, logger *zap.Logger) *TelephonyClient {
	return &TelephonyClient{restClient: newRestClient("telephony", opts, logger)}
}

type placeCallRequest struct {
	RelativeID string              `json:"relative_id"`
	Metadata   models.CallMetadata `json:"metadata"`
}

type placeCallResponse struct {
	CallID string `json:"call_id"`
}

// PlaceCall 发起外呼，返回外部呼叫 ID
func (c *TelephonyClient) PlaceCall(ctx context.Context, relativeID string, meta models.CallMetadata) (string, error) {
	if err := meta.Validate(); err != nil {
		return "", err
	}
	var resp placeCallResponse
	if err := c.post(ctx, "/v1/calls", placeCallRequest{RelativeID: relativeID, Metadata: meta}, &resp); err != nil {
		return "", err
	}
	c.logger.Info("Telephony call placed",
		zap.String("relative_id", relativeID),
		zap.String("session_id", meta.SessionID),
		zap.String("call_id", resp.CallID),
	)
	return resp.CallID, nil
}
