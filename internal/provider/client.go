package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error 外部服务返回的失败（瞬时错误，同一时段不重试）
type Error struct {
	Provider   string
	StatusCode int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options 客户端参数
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // 单次请求超时
	RPS     int           // 每秒请求上限
}

// restClient 各外部服务客户端的公共部分
type restClient struct {
	name    string
	http    *resty.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newRestClient(name string, opts Options, logger *zap.Logger) restClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 50
	}

	// 不自动重试：重复推送会真实打扰到老人
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}

	return restClient{
		name:    name,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.RPS),
		logger:  logger,
	}
}

// errorBody 外部服务统一的错误响应
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// post 发送 JSON 请求；非 2xx 转换为 *Error
func (c *restClient) post(ctx context.Context, path string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Provider: c.name, Detail: "rate limiter: " + err.Error(), Err: err}
	}

	var failure errorBody
	req := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&failure)
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Post(path)
	if err != nil {
		c.logger.Warn("Provider request failed",
			zap.String("provider", c.name),
			zap.String("path", path),
			zap.Error(err),
		)
		return &Error{Provider: c.name, Detail: err.Error(), Err: err}
	}
	if resp.IsError() {
		detail := failure.Error
		if detail == "" {
			detail = failure.Message
		}
		if detail == "" {
			detail = resp.Status()
		}
		c.logger.Warn("Provider returned error",
			zap.String("provider", c.name),
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("detail", detail),
		)
		return &Error{Provider: c.name, StatusCode: resp.StatusCode(), Detail: detail}
	}
	return nil
}
