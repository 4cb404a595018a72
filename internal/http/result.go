package httpapi

// Result 接口统一响应
// code 为 ResultSuccess 表示成功；业务错误使用 4xxx 码，其余失败为 ResultError
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

// 业务码
const (
	ResultSuccess  = 2000
	ResultInvalid  = 4000 // 请求参数或回报内容不合法
	ResultNotFound = 4040 // 会话 / 事件不存在
	ResultConflict = 4090 // 结果已是终态
	ResultError    = -1
)

// Ok 成功响应
func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

// Fail 未分类的失败
func Fail(message string) Result[any] {
	return FailCode(ResultError, message)
}

// FailCode 带业务码的失败
func FailCode(code int, message string) Result[any] {
	return Result[any]{Code: code, Type: "error", Message: message}
}
