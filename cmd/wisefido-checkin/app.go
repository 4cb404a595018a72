package main

import (
	"context"
	"database/sql"
	"fmt"

	commondb "wisefido-checkin/common/database"
	"wisefido-checkin/common/logger"
	"wisefido-checkin/common/mqtt"
	commonredis "wisefido-checkin/common/redis"
	"wisefido-checkin/internal/audit"
	"wisefido-checkin/internal/channel"
	"wisefido-checkin/internal/config"
	"wisefido-checkin/internal/dispatcher"
	"wisefido-checkin/internal/escalation"
	"wisefido-checkin/internal/events"
	"wisefido-checkin/internal/finder"
	"wisefido-checkin/internal/provider"
	"wisefido-checkin/internal/ratelimit"
	"wisefido-checkin/internal/repository"
	"wisefido-checkin/internal/service"
	"wisefido-checkin/internal/tracker"

	"go.uber.org/zap"
)

const serviceName = "wisefido-checkin"

// app 进程内组件
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *sql.DB
	redis     *commonredis.Client
	mqtt      *mqtt.Client
	scheduler *service.SchedulerService
	ingest    *service.IngestService
	engine    *escalation.Engine
	audit     *audit.Recorder
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// newApp 连接数据库、Redis、MQTT（可选）并组装服务
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	db, err := commondb.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	redisClient := commonredis.NewRedisClient(&cfg.Redis)
	if err := commonredis.Ping(ctx, redisClient); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	a := &app{cfg: cfg, logger: log, db: db, redis: redisClient}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.MQTT.Enabled {
		client, err := mqtt.NewClient(&cfg.MQTT)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.mqtt = client
		publisher = events.NewMQTTPublisher(client, log)
	}

	// 数据访问
	relatives := repository.NewRelativeRepository(db, log)
	tracking := repository.NewTrackingRepository(db, log)
	calls := repository.NewCallRepository(db, log)
	members := repository.NewMemberRepository(db, log)
	rules := repository.NewAlertRuleRepository(db, log)
	escalations := repository.NewEscalationRepository(db, log)
	settings := repository.NewSettingsRepository(db, log)
	audits := repository.NewAuditRepository(db, log)

	// 外部服务
	opts := func(url, key string) provider.Options {
		return provider.Options{BaseURL: url, APIKey: key, Timeout: cfg.Providers.Timeout, RPS: cfg.Providers.RPS}
	}
	push := provider.NewPushGateway(opts(cfg.Providers.PushGatewayURL, cfg.Providers.PushGatewayKey), log)
	telephony := provider.NewTelephonyClient(opts(cfg.Providers.TelephonyURL, cfg.Providers.TelephonyKey), log)
	notifier := provider.NewFamilyNotifier(opts(cfg.Providers.FamilyNotifyURL, cfg.Providers.FamilyNotifyKey), log)
	var careService escalation.ServiceEscalator
	if cfg.Providers.EscalationServiceURL != "" {
		careService = provider.NewEscalationService(opts(cfg.Providers.EscalationServiceURL, ""), log)
	}

	a.audit = audit.NewRecorder(audits, redisClient, log)
	limiter := ratelimit.NewRedisLimiter(redisClient, log)
	family := dispatcher.NewFamilySender(notifier, limiter, a.audit, log)
	slots := tracker.NewTracker(tracking, calls, log)

	a.engine = escalation.NewEngine(rules, calls, escalations, relatives, family, a.audit, careService, limiter, log)
	a.scheduler = service.NewSchedulerService(service.SchedulerDeps{
		JobName:    cfg.Scheduler.JobName,
		Defaults:   cfg.Defaults,
		Settings:   settings,
		Finder:     finder.NewFinder(relatives, log),
		Resolver:   channel.NewResolver(cfg.Providers.PhoneRegion),
		Tracker:    slots,
		Dispatcher: dispatcher.NewDispatcher(push, telephony, slots, members, family, publisher, log),
		Escalation: a.engine,
		Audit:      a.audit,
		Logger:     log,
	})
	a.ingest = service.NewIngestService(calls, a.engine, publisher, cfg.Defaults, settings, log)
	return a, nil
}

// Close 释放连接
func (a *app) Close() {
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
