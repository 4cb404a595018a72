package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"wisefido-checkin/internal/models"

	"github.com/xuri/excelize/v2"
)

var heartbeatHeader = []string{"Run At (UTC)", "Job Name", "Status", "Details"}

var notificationHeader = []string{"Created At (UTC)", "Household ID", "Relative ID", "Recipient", "Channel", "Title", "Body", "Status", "Error"}

// Export 导出时间范围内的心跳与通知审计（xlsx）
func (r *Recorder) Export(ctx context.Context, since, until time.Time) ([]byte, error) {
	heartbeats, err := r.store.ListHeartbeats(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	notifications, err := r.store.ListNotifications(ctx, since, until)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return GenerateWorkbook(heartbeats, notifications)
}

// GenerateWorkbook 生成两张表：Heartbeats、Notifications
func GenerateWorkbook(heartbeats []models.Heartbeat, notifications []models.NotificationHistory) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	hbRows := make([][]any, 0, len(heartbeats))
	for _, hb := range heartbeats {
		hbRows = append(hbRows, []any{
			hb.RunAt.UTC().Format(time.RFC3339),
			hb.JobName,
			string(hb.Status),
			string(hb.Details),
		})
	}
	if err := writeSheet(f, "Heartbeats", heartbeatHeader, []float64{22, 28, 10, 80}, hbRows); err != nil {
		return nil, err
	}

	nRows := make([][]any, 0, len(notifications))
	for _, n := range notifications {
		errText := ""
		if n.Error != nil {
			errText = *n.Error
		}
		nRows = append(nRows, []any{
			n.CreatedAt.UTC().Format(time.RFC3339),
			n.HouseholdID,
			n.RelativeID,
			n.Recipient,
			n.Channel,
			n.Title,
			n.Body,
			string(n.Status),
			errText,
		})
	}
	if err := writeSheet(f, "Notifications", notificationHeader, []float64{22, 38, 38, 28, 10, 28, 50, 14, 40}, nRows); err != nil {
		return nil, err
	}

	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	if idx, err := f.GetSheetIndex("Heartbeats"); err == nil {
		f.SetActiveSheet(idx)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, header []string, widths []float64, rows [][]any) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	headerRow := make([]any, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return fmt.Errorf("failed to write %s header: %w", sheet, err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}

	for i, w := range widths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(sheet, col, col, w); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+2, err)
		}
	}

	// 冻结表头
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}
