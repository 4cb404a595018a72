package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal 每次时段呼叫投递
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellcall_dispatch_total",
		Help: "Wellbeing call dispatch attempts by provider, kind and outcome.",
	}, []string{"provider", "kind", "outcome"})

	// TicksTotal 调度运行次数（按心跳状态）
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellcall_ticks_total",
		Help: "Scheduler ticks by heartbeat status.",
	}, []string{"status"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wellcall_tick_duration_seconds",
		Help:    "Wall time of a scheduler tick.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// EscalationsTotal 规则触发（含被限流）
	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellcall_escalations_total",
		Help: "Escalation rule firings by trigger type and action.",
	}, []string{"trigger", "action"})

	FamilyNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellcall_family_notifications_total",
		Help: "Family notifications per recipient by channel and status.",
	}, []string{"channel", "status"})
)
