package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wisefido-checkin/internal/escalation"
	"wisefido-checkin/internal/models"
	"wisefido-checkin/internal/repository"
	"wisefido-checkin/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Ticker 触发一次调度
type Ticker interface {
	Tick(ctx context.Context) (*service.TickSummary, error)
}

// Ingest 结果/信号回报与升级解除
type Ingest interface {
	ReportOutcome(ctx context.Context, rep service.OutcomeReport) (*service.IngestResult, error)
	ReportSignal(ctx context.Context, sig models.HealthSignal) (escalation.Report, error)
	ResolveEscalation(ctx context.Context, eventID, resolvedBy string) (bool, error)
}

// AuditReader 心跳查询与审计导出
type AuditReader interface {
	Latest(ctx context.Context, jobName string) (*models.Heartbeat, error)
	Export(ctx context.Context, since, until time.Time) ([]byte, error)
}

// CheckinHandler 呼叫调度 HTTP 接口
type CheckinHandler struct {
	scheduler Ticker
	ingest    Ingest
	audit     AuditReader
	jobName   string
	logger    *zap.Logger
	now       func() time.Time
}

// NewCheckinHandler 创建 HTTP 处理器
func NewCheckinHandler(scheduler Ticker, ingest Ingest, audit AuditReader, jobName string, logger *zap.Logger) *CheckinHandler {
	return &CheckinHandler{
		scheduler: scheduler,
		ingest:    ingest,
		audit:     audit,
		jobName:   jobName,
		logger:    logger,
		now:       time.Now,
	}
}

// Tick POST /internal/v1/tick
func (h *CheckinHandler) Tick(w http.ResponseWriter, r *http.Request) {
	// 客户端断开不应打断已开始的调度
	summary, err := h.scheduler.Tick(context.WithoutCancel(r.Context()))
	if err != nil {
		h.logger.Error("Manual tick failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Result[*service.TickSummary]{
			Code: ResultError, Type: "error", Message: err.Error(), Result: summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, Ok(summary))
}

// ReportOutcome POST /api/v1/call-sessions/{session_id}/outcome
func (h *CheckinHandler) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	var rep service.OutcomeReport
	if err := readBodyJSON(r, maxBodyBytes, &rep); err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalid, "invalid body"))
		return
	}
	rep.SessionID = chi.URLParam(r, "session_id")

	res, err := h.ingest.ReportOutcome(r.Context(), rep)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

// ReportSignal POST /api/v1/relatives/{relative_id}/signals
func (h *CheckinHandler) ReportSignal(w http.ResponseWriter, r *http.Request) {
	var sig models.HealthSignal
	if err := readBodyJSON(r, maxBodyBytes, &sig); err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalid, "invalid body"))
		return
	}
	sig.RelativeID = chi.URLParam(r, "relative_id")

	report, err := h.ingest.ReportSignal(r.Context(), sig)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(report))
}

// ResolveEscalation POST /api/v1/escalations/{event_id}/resolve
func (h *CheckinHandler) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if err := readBodyJSON(r, maxBodyBytes, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalid, "invalid body"))
		return
	}
	if body.ResolvedBy == "" {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalid, "resolved_by is required"))
		return
	}

	resolved, err := h.ingest.ResolveEscalation(r.Context(), chi.URLParam(r, "event_id"), body.ResolvedBy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"resolved": resolved}))
}

// LatestHeartbeat GET /api/v1/heartbeats/latest?job_name=
func (h *CheckinHandler) LatestHeartbeat(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job_name")
	if job == "" {
		job = h.jobName
	}
	hb, err := h.audit.Latest(r.Context(), job)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(hb))
}

// ExportAudit GET /api/v1/audit/export?since=&until=
// 默认导出最近 7 天
func (h *CheckinHandler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	since, err := parseTime(r.URL.Query().Get("since"), now.AddDate(0, 0, -7))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalid, "invalid since"))
		return
	}
	until, err := parseTime(r.URL.Query().Get("until"), now)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalid, "invalid until"))
		return
	}
	if !since.Before(until) {
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalid, "since must be before until"))
		return
	}

	data, err := h.audit.Export(r.Context(), since, until)
	if err != nil {
		h.writeError(w, err)
		return
	}
	filename := fmt.Sprintf("wellcall_audit_%s_%s.xlsx", since.Format("20060102"), until.Format("20060102"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Health GET /health
func (h *CheckinHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
}

func (h *CheckinHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidReport):
		writeJSON(w, http.StatusBadRequest, FailCode(ResultInvalid, err.Error()))
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, FailCode(ResultNotFound, err.Error()))
	case errors.Is(err, repository.ErrOutcomeFinal):
		writeJSON(w, http.StatusConflict, FailCode(ResultConflict, err.Error()))
	default:
		h.logger.Error("Request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
	}
}
