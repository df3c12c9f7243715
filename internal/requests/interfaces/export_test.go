package interfaces

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	requests "subscriber-cloud/internal/requests/domain"
)

func sampleLedger() []requests.ServiceRequest {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	done := now.Add(time.Hour)
	return []requests.ServiceRequest{
		{
			ID:           "req-1",
			CustomerName: "Oceanic Ops",
			IMEI:         "300234010753370",
			Operation:    requests.OpSuspend,
			Status:       requests.StatusDone,
			PlanName:     "SBD 12",
			CreatedAt:    now,
			UpdatedAt:    done,
			CompletedAt:  &done,
		},
		{
			ID:        "req-2",
			IMEI:      "300234010753371",
			Operation: requests.OpChangePlan,
			Status:    requests.StatusWorking,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

func TestBuildLedgerXLSX(t *testing.T) {
	raw, err := BuildLedgerXLSX(sampleLedger(), time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("build xlsx: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("open generated workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("requests")
	if err != nil {
		t.Fatalf("read requests sheet: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[1][0] != "req-1" || rows[1][6] != requests.StatusDone {
		t.Fatalf("unexpected first row %v", rows[1])
	}

	total, err := f.GetCellValue("summary", "B4")
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if total != "2" {
		t.Fatalf("expected total 2, got %s", total)
	}
}

func TestBuildLedgerPDF(t *testing.T) {
	raw, err := BuildLedgerPDF(sampleLedger(), time.Now())
	if err != nil {
		t.Fatalf("build pdf: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("%PDF")) {
		t.Fatalf("expected pdf magic, got %q", raw[:8])
	}
}
