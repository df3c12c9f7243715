package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	requests "subscriber-cloud/internal/requests/domain"
)

// BuildLedgerPDF renders the request ledger as a PDF table.
func BuildLedgerPDF(all []requests.ServiceRequest, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Service Request Ledger")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Requests: %d", len(all)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(32, 6, "ID", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "Customer", "1", 0, "C", false, 0, "")
	pdf.CellFormat(34, 6, "IMEI", "1", 0, "C", false, 0, "")
	pdf.CellFormat(26, 6, "Operation", "1", 0, "C", false, 0, "")
	pdf.CellFormat(34, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Plan", "1", 0, "C", false, 0, "")
	pdf.CellFormat(38, 6, "Updated", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, request := range all {
		pdf.CellFormat(32, 6, request.ID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, request.CustomerName, "1", 0, "L", false, 0, "")
		pdf.CellFormat(34, 6, request.IMEI, "1", 0, "C", false, 0, "")
		pdf.CellFormat(26, 6, request.Operation, "1", 0, "C", false, 0, "")
		pdf.CellFormat(34, 6, request.Status, "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, request.PlanName, "1", 0, "L", false, 0, "")
		pdf.CellFormat(38, 6, request.UpdatedAt.UTC().Format("2006-01-02 15:04:05"), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildLedgerXLSX renders the request ledger as an XLSX workbook.
func BuildLedgerXLSX(all []requests.ServiceRequest, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	requestsSheet := "requests"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(requestsSheet)

	counts := map[string]int{}
	for _, request := range all {
		counts[request.Status]++
	}
	_ = f.SetCellValue(summarySheet, "A1", "Service Request Ledger")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generatedAt.UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Total")
	_ = f.SetCellValue(summarySheet, "B4", len(all))
	row := 6
	for _, status := range []string{
		requests.StatusPendingApproval,
		requests.StatusSubmitted,
		requests.StatusPending,
		requests.StatusWorking,
		requests.StatusDone,
		requests.StatusError,
	} {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", row), status)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", row), counts[status])
		row++
	}

	headers := []string{"ID", "Customer ID", "Customer", "IMEI", "Operation", "New Plan", "Status",
		"Transaction", "Account", "Plan", "Error", "Created", "Updated", "Completed"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(requestsSheet, cell, header)
	}
	for i, request := range all {
		completed := ""
		if request.CompletedAt != nil {
			completed = request.CompletedAt.UTC().Format(time.RFC3339)
		}
		values := []any{
			request.ID, request.CustomerID, request.CustomerName, request.IMEI,
			request.Operation, request.NewPlanCode, request.Status,
			request.TransactionID, request.AccountNumber, request.PlanName,
			request.ErrorMessage,
			request.CreatedAt.UTC().Format(time.RFC3339),
			request.UpdatedAt.UTC().Format(time.RFC3339),
			completed,
		}
		for j, value := range values {
			cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
			_ = f.SetCellValue(requestsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
