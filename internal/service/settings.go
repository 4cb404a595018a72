package service

import (
	"context"

	"wisefido-checkin/internal/config"

	"go.uber.org/zap"
)

// SettingsLoader engine_settings 表
type SettingsLoader interface {
	Load(ctx context.Context) (map[string]string, error)
}

// settingsSource 每次运行读取一次参数；读取或解析失败时使用默认值
type settingsSource struct {
	defaults config.RunSettings
	loader   SettingsLoader
	logger   *zap.Logger
}

func (s settingsSource) load(ctx context.Context) config.RunSettings {
	if s.loader == nil {
		return s.defaults
	}
	kv, err := s.loader.Load(ctx)
	if err != nil {
		s.logger.Warn("Failed to load engine settings, using defaults", zap.Error(err))
		return s.defaults
	}
	rs, err := s.defaults.Overlay(kv)
	if err != nil {
		s.logger.Error("Invalid engine settings, using defaults", zap.Error(err))
		return s.defaults
	}
	return rs
}
