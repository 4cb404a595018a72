package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"wisefido-checkin/common/config"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config 呼叫调度服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	HTTP struct {
		Addr string `validate:"required"`
	}

	// 外部服务（推送网关、电话、家属通知、升级服务）
	Providers struct {
		PushGatewayURL       string `validate:"required,url"`
		PushGatewayKey       string
		TelephonyURL         string `validate:"required,url"`
		TelephonyKey         string
		FamilyNotifyURL      string `validate:"required,url"`
		FamilyNotifyKey      string
		EscalationServiceURL string        `validate:"omitempty,url"`
		Timeout              time.Duration `validate:"gt=0"`
		RPS                  int           `validate:"min=1"`
		PhoneRegion          string        `validate:"len=2"`
	}

	Scheduler struct {
		JobName      string        `validate:"required"`
		TickInterval time.Duration `validate:"gt=0"`
	}

	// Outcome 下游通话结果上报（Redis Stream）
	Outcome struct {
		Stream   string `validate:"required"`
		Group    string `validate:"required"`
		Consumer string
	}

	// Defaults 运行参数默认值，每次 tick 再叠加 engine_settings 表中的值
	Defaults RunSettings

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（.env 可选）
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "wellcall"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 25
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "wisefido-checkin"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Providers.PushGatewayURL = getEnv("PUSH_GATEWAY_URL", "http://localhost:9101")
	cfg.Providers.PushGatewayKey = getEnv("PUSH_GATEWAY_KEY", "")
	cfg.Providers.TelephonyURL = getEnv("TELEPHONY_URL", "http://localhost:9102")
	cfg.Providers.TelephonyKey = getEnv("TELEPHONY_KEY", "")
	cfg.Providers.FamilyNotifyURL = getEnv("FAMILY_NOTIFY_URL", "http://localhost:9103")
	cfg.Providers.FamilyNotifyKey = getEnv("FAMILY_NOTIFY_KEY", "")
	cfg.Providers.EscalationServiceURL = getEnv("ESCALATION_SERVICE_URL", "")
	cfg.Providers.Timeout = parseDuration(getEnv("PROVIDER_TIMEOUT", ""), 8*time.Second)
	cfg.Providers.RPS = parseInt(getEnv("PROVIDER_RPS", ""), 50)
	cfg.Providers.PhoneRegion = getEnv("PHONE_DEFAULT_REGION", "GB")

	cfg.Scheduler.JobName = getEnv("JOB_NAME", "wellbeing-call-scheduler")
	cfg.Scheduler.TickInterval = parseDuration(getEnv("TICK_INTERVAL", ""), time.Minute)

	cfg.Outcome.Stream = getEnv("OUTCOME_STREAM", "wellcall:call-outcomes")
	cfg.Outcome.Group = getEnv("OUTCOME_GROUP", "wisefido-checkin")
	cfg.Outcome.Consumer = getEnv("OUTCOME_CONSUMER", hostname())

	cfg.Defaults = DefaultRunSettings()
	cfg.Defaults.DispatchTimeout = cfg.Providers.Timeout
	cfg.Defaults.RunWindow = parseDuration(getEnv("RUN_WINDOW", ""), cfg.Defaults.RunWindow)
	cfg.Defaults.Workers = parseInt(getEnv("DISPATCH_WORKERS", ""), cfg.Defaults.Workers)
	cfg.Defaults.Tolerance = parseDuration(getEnv("WINDOW_TOLERANCE", ""), cfg.Defaults.Tolerance)
	cfg.Defaults.FamilyRateLimitPerHour = parseInt(getEnv("FAMILY_RATE_LIMIT_PER_HOUR", ""), cfg.Defaults.FamilyRateLimitPerHour)
	cfg.Defaults.RuleRateLimitPerHour = parseInt(getEnv("RULE_RATE_LIMIT_PER_HOUR", ""), cfg.Defaults.RuleRateLimitPerHour)
	cfg.Defaults.EscalationRepeatInterval = parseDuration(getEnv("ESCALATION_REPEAT_INTERVAL", ""), cfg.Defaults.EscalationRepeatInterval)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "checkin-1"
	}
	return h
}
