package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wisefido-checkin/internal/models"

	"github.com/google/uuid"
)

// MemoryStore 内存实现（无数据库时的本地运行与测试使用）
// 所有写操作在同一把锁内完成，条件写语义与 Postgres 实现一致
type MemoryStore struct {
	mu sync.Mutex

	households map[string]models.Household
	relatives  map[string]models.Relative
	pairings   map[string]models.DevicePairing // relative_id -> active pairing
	members    map[string][]models.HouseholdMember
	tracking   map[string]*models.DailyCallTracking // relative|household|date
	sessions   map[string]models.CallSession
	slotIndex  map[string]string // relative|slot|date -> session_id
	logs       []models.CallLog
	rules      map[string]models.AlertRule
	events     map[string]*models.EscalationEvent
	history    []models.NotificationHistory
	heartbeats []models.Heartbeat
	settings   map[string]string

	// FailMonitored 非空时 ListMonitored 返回该错误（模拟数据库不可用）
	FailMonitored error
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		households: map[string]models.Household{},
		relatives:  map[string]models.Relative{},
		pairings:   map[string]models.DevicePairing{},
		members:    map[string][]models.HouseholdMember{},
		tracking:   map[string]*models.DailyCallTracking{},
		sessions:   map[string]models.CallSession{},
		slotIndex:  map[string]string{},
		rules:      map[string]models.AlertRule{},
		events:     map[string]*models.EscalationEvent{},
		settings:   map[string]string{},
	}
}

// ============================================
// 数据准备
// ============================================

func (m *MemoryStore) PutHousehold(h models.Household) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.households[h.HouseholdID] = h
}

func (m *MemoryStore) PutRelative(r models.Relative) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relatives[r.RelativeID] = r
}

func (m *MemoryStore) PutPairing(p models.DevicePairing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairings[p.RelativeID] = p
}

func (m *MemoryStore) PutMember(mem models.HouseholdMember) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[mem.HouseholdID] = append(m.members[mem.HouseholdID], mem)
}

func (m *MemoryStore) PutRule(r models.AlertRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.RuleID] = r
}

func (m *MemoryStore) PutSetting(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
}

// ============================================
// 老人与绑定
// ============================================

func (m *MemoryStore) ListMonitored(_ context.Context, fromDate, toDate string) ([]MonitoredRelative, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailMonitored != nil {
		return nil, fmt.Errorf("failed to query monitored relatives: %w", m.FailMonitored)
	}

	ids := make([]string, 0, len(m.relatives))
	for id, r := range m.relatives {
		if r.MonitoringEnabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	out := make([]MonitoredRelative, 0, len(ids))
	for _, id := range ids {
		r := m.relatives[id]
		h, ok := m.households[r.HouseholdID]
		if !ok {
			continue
		}
		item := MonitoredRelative{
			Relative: r,
			CallMode: h.CallMode,
			Tracking: map[string]models.TrackingFlags{},
		}
		if p, ok := m.pairings[id]; ok && p.Eligible() {
			p := p
			item.Pairing = &p
		}
		for _, t := range m.tracking {
			if t.RelativeID == id && t.HouseholdID == r.HouseholdID && t.TrackingDate >= fromDate && t.TrackingDate <= toDate {
				item.Tracking[t.TrackingDate] = t.Flags
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *MemoryStore) GetRelative(_ context.Context, relativeID string) (*models.Relative, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.relatives[relativeID]
	if !ok {
		return nil, fmt.Errorf("relative %s: %w", relativeID, ErrNotFound)
	}
	return &r, nil
}

func (m *MemoryStore) ListNotifiable(_ context.Context, householdID string) ([]models.HouseholdMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.HouseholdMember
	for _, mem := range m.members[householdID] {
		if mem.NotifyOnDispatch {
			out = append(out, mem)
		}
	}
	return out, nil
}

// ============================================
// 幂等记录与呼叫
// ============================================

func trackingKey(relativeID, householdID, date string) string {
	return relativeID + "|" + householdID + "|" + date
}

func (m *MemoryStore) ClaimSlot(_ context.Context, relativeID, householdID, trackingDate string, slot models.SlotType, now time.Time) (bool, error) {
	if _, ok := slotColumns[slot]; !ok {
		return false, fmt.Errorf("unknown slot type %q", slot)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := trackingKey(relativeID, householdID, trackingDate)
	t, ok := m.tracking[key]
	if !ok {
		t = &models.DailyCallTracking{RelativeID: relativeID, HouseholdID: householdID, TrackingDate: trackingDate}
		m.tracking[key] = t
	}
	if t.Flags.Attempted(slot) {
		return false, nil
	}
	switch slot {
	case models.SlotMorning:
		t.Flags.Morning = true
	case models.SlotAfternoon:
		t.Flags.Afternoon = true
	case models.SlotEvening:
		t.Flags.Evening = true
	case models.SlotDaily:
		t.Flags.Daily = true
	}
	t.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) GetTracking(_ context.Context, relativeID, householdID, trackingDate string) (*models.DailyCallTracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracking[trackingKey(relativeID, householdID, trackingDate)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.CallSession) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := s.RelativeID + "|" + string(s.SlotType) + "|" + s.SlotDate
	if _, exists := m.slotIndex[key]; exists {
		return false, nil
	}
	m.slotIndex[key] = s.SessionID
	m.sessions[s.SessionID] = *s
	return true, nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*models.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("call session %s: %w", sessionID, ErrNotFound)
	}
	return &s, nil
}

func (m *MemoryStore) CreateLog(_ context.Context, l *models.CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *l)
	return nil
}

func (m *MemoryStore) UpdateOutcome(_ context.Context, sessionID string, outcome models.CallOutcome, durationSec int, endedAt time.Time, detail *string) (*models.CallLog, error) {
	if !outcome.Terminal() || !models.ValidOutcome(outcome) {
		return nil, fmt.Errorf("invalid terminal outcome %q", outcome)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i := range m.logs {
		if m.logs[i].SessionID == sessionID && (idx < 0 || m.logs[i].StartedAt.After(m.logs[idx].StartedAt)) {
			idx = i
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("call log for session %s: %w", sessionID, ErrNotFound)
	}
	l := &m.logs[idx]
	if l.Outcome != models.OutcomeInitiated {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, l.Outcome, ErrOutcomeFinal)
	}
	l.Outcome = outcome
	l.DurationSec = durationSec
	ended := endedAt
	l.EndedAt = &ended
	if detail != nil {
		l.ErrorDetail = detail
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) RecentLogs(_ context.Context, relativeID string, limit int) ([]models.CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.CallLog
	for _, l := range m.logs {
		if l.RelativeID == relativeID {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Sessions 全部会话（测试检查用）
func (m *MemoryStore) Sessions() []models.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Logs 全部呼叫结果（写入顺序）
func (m *MemoryStore) Logs() []models.CallLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CallLog(nil), m.logs...)
}

// ============================================
// 规则与升级事件
// ============================================

func (m *MemoryStore) ListEnabled(_ context.Context, householdID string, triggers ...models.TriggerType) ([]models.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[models.TriggerType]bool{}
	for _, t := range triggers {
		want[t] = true
	}
	var out []models.AlertRule
	for _, r := range m.rules {
		if r.HouseholdID != householdID || !r.Enabled {
			continue
		}
		if len(want) > 0 && !want[r.TriggerType] {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out, nil
}

func (m *MemoryStore) GetRule(_ context.Context, ruleID string) (*models.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return nil, fmt.Errorf("alert rule %s: %w", ruleID, ErrNotFound)
	}
	return &r, nil
}

func (m *MemoryStore) Upsert(_ context.Context, rule *models.AlertRule, relativeID, triggerRef string, now time.Time) (*EscalationUpsert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open *models.EscalationEvent
	for _, e := range m.events {
		if e.RuleID != rule.RuleID || e.RelativeID != relativeID {
			continue
		}
		if e.ResolvedAt != nil && e.LastTriggerRef == triggerRef {
			return nil, nil
		}
		if e.ResolvedAt == nil {
			open = e
		}
	}

	if open == nil {
		e := &models.EscalationEvent{
			EventID:        uuid.New().String(),
			RuleID:         rule.RuleID,
			HouseholdID:    rule.HouseholdID,
			RelativeID:     relativeID,
			TriggerType:    rule.TriggerType,
			Level:          1,
			AttemptCount:   1,
			LastAttemptAt:  now,
			LastTriggerRef: triggerRef,
			CreatedAt:      now,
		}
		m.events[e.EventID] = e
		return &EscalationUpsert{Event: *e, Created: true}, nil
	}
	if open.LastTriggerRef == triggerRef {
		return nil, nil
	}
	open.Level++
	open.AttemptCount++
	open.LastAttemptAt = now
	open.LastTriggerRef = triggerRef
	return &EscalationUpsert{Event: *open}, nil
}

func (m *MemoryStore) Resolve(_ context.Context, eventID, resolvedBy string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return false, fmt.Errorf("escalation event %s: %w", eventID, ErrNotFound)
	}
	if e.ResolvedAt != nil {
		return false, nil
	}
	at, by := now, resolvedBy
	e.ResolvedAt, e.ResolvedBy = &at, &by
	return true, nil
}

func (m *MemoryStore) ResolveOpenForRelative(_ context.Context, relativeID string, triggers []models.TriggerType, resolvedBy string, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[models.TriggerType]bool{}
	for _, t := range triggers {
		want[t] = true
	}
	var ids []string
	for _, e := range m.events {
		if e.RelativeID == relativeID && e.ResolvedAt == nil && want[e.TriggerType] {
			at, by := now, resolvedBy
			e.ResolvedAt, e.ResolvedBy = &at, &by
			ids = append(ids, e.EventID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, eventID string) (*models.EscalationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return nil, fmt.Errorf("escalation event %s: %w", eventID, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListStale(_ context.Context, before time.Time, limit int) ([]models.EscalationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.EscalationEvent
	for _, e := range m.events {
		if e.ResolvedAt == nil && e.LastAttemptAt.Before(before) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttemptAt.Before(out[j].LastAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events 全部升级事件
func (m *MemoryStore) Events() []models.EscalationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.EscalationEvent, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ============================================
// 审计与运行参数
// ============================================

func (m *MemoryStore) InsertHeartbeat(_ context.Context, hb *models.Heartbeat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats = append(m.heartbeats, *hb)
	return nil
}

func (m *MemoryStore) InsertNotification(_ context.Context, n *models.NotificationHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, *n)
	return nil
}

func (m *MemoryStore) LatestHeartbeat(_ context.Context, jobName string) (*models.Heartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.heartbeats) - 1; i >= 0; i-- {
		if m.heartbeats[i].JobName == jobName {
			hb := m.heartbeats[i]
			return &hb, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListHeartbeats(_ context.Context, since, until time.Time) ([]models.Heartbeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Heartbeat
	for _, hb := range m.heartbeats {
		if !hb.RunAt.Before(since) && hb.RunAt.Before(until) {
			out = append(out, hb)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, since, until time.Time) ([]models.NotificationHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationHistory
	for _, n := range m.history {
		if !n.CreatedAt.Before(since) && n.CreatedAt.Before(until) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Heartbeats 全部心跳
func (m *MemoryStore) Heartbeats() []models.Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Heartbeat(nil), m.heartbeats...)
}

// Notifications 全部通知记录
func (m *MemoryStore) Notifications() []models.NotificationHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.NotificationHistory(nil), m.history...)
}

func (m *MemoryStore) Load(_ context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.settings))
	for k, v := range m.settings {
		out[k] = v
	}
	return out, nil
}
