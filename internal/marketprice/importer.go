package marketprice

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/faturaops/backend/internal/faults"
)

// Import error codes for blob-level failures.
const (
	CodeInvalidJSON = "INVALID_JSON"
	CodeParseError  = "PARSE_ERROR"
	CodeEmptyFile   = "EMPTY_FILE"
)

// Row is one parsed import row before validation. Index is 1-based over
// data rows (the CSV header does not count).
type Row struct {
	Index  int
	Period string
	Value  string
	Status string
}

// RowError ties a validation failure to its source row.
type RowError struct {
	RowIndex int    `json:"row_index"`
	Code     string `json:"error_code"`
	Message  string `json:"message"`
}

// ImportError is a blob-level parse failure.
type ImportError struct {
	Code    string
	Message string
}

func (e *ImportError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Importer runs the two-phase bulk import over the admin service.
type Importer struct {
	service *Service
	now     func() time.Time
}

func NewImporter(service *Service) *Importer {
	return &Importer{service: service, now: time.Now}
}

// ParseRows detects CSV vs JSON and extracts rows. Column headers are
// matched case-insensitively; value and ptf_value are synonyms. Non-object
// JSON array elements become per-row errors without aborting the parse.
func ParseRows(blob []byte) ([]Row, []RowError, error) {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) == 0 {
		return nil, nil, &ImportError{Code: CodeEmptyFile, Message: "file is empty"}
	}
	if trimmed[0] == '[' {
		return parseJSONRows(trimmed)
	}
	return parseCSVRows(trimmed)
}

func parseJSONRows(blob []byte) ([]Row, []RowError, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, nil, &ImportError{Code: CodeInvalidJSON, Message: "body is not a JSON array"}
	}

	var rows []Row
	var rowErrs []RowError
	for i, elem := range raw {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(elem, &obj); err != nil {
			rowErrs = append(rowErrs, RowError{
				RowIndex: i + 1, Code: CodeInvalidJSON,
				Message: "array element is not an object",
			})
			continue
		}
		row := Row{Index: i + 1}
		for k, v := range obj {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				// Numbers arrive unquoted; keep the literal text.
				s = strings.Trim(string(v), `"`)
			}
			switch strings.ToLower(strings.TrimSpace(k)) {
			case "period":
				row.Period = s
			case "value", "ptf_value":
				row.Value = s
			case "status":
				row.Status = s
			}
		}
		rows = append(rows, row)
	}
	return rows, rowErrs, nil
}

func parseCSVRows(blob []byte) ([]Row, []RowError, error) {
	r := csv.NewReader(bytes.NewReader(blob))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, &ImportError{Code: CodeParseError, Message: "malformed CSV: " + err.Error()}
	}
	if len(records) < 2 {
		return nil, nil, &ImportError{Code: CodeEmptyFile, Message: "CSV has no data rows"}
	}

	// Header columns are order-free and case-insensitive.
	cols := map[string]int{}
	for i, h := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	periodIdx, ok := cols["period"]
	if !ok {
		return nil, nil, &ImportError{Code: CodeParseError, Message: "missing period column"}
	}
	valueIdx, ok := cols["value"]
	if !ok {
		if valueIdx, ok = cols["ptf_value"]; !ok {
			return nil, nil, &ImportError{Code: CodeParseError, Message: "missing value column"}
		}
	}
	statusIdx, hasStatus := cols["status"]

	rows := make([]Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		row := Row{Index: i + 1}
		if periodIdx < len(rec) {
			row.Period = rec[periodIdx]
		}
		if valueIdx < len(rec) {
			row.Value = rec[valueIdx]
		}
		if hasStatus && statusIdx < len(rec) {
			row.Status = rec[statusIdx]
		}
		rows = append(rows, row)
	}
	return rows, nil, nil
}

// PreviewResult projects what an apply would do without writing.
type PreviewResult struct {
	TotalRows      int        `json:"total_rows"`
	ValidRows      int        `json:"valid_rows"`
	InvalidRows    int        `json:"invalid_rows"`
	NewRecords     int        `json:"new_records"`
	Updates        int        `json:"updates"`
	Unchanged      int        `json:"unchanged"`
	FinalConflicts int        `json:"final_conflicts"`
	Errors         []RowError `json:"errors"`
}

// Preview validates every row and projects new/update/unchanged/conflict
// counts against the store. Read-only.
func (im *Importer) Preview(ctx context.Context, rows []Row, parseErrs []RowError, priceType string, force bool) (*PreviewResult, error) {
	res := &PreviewResult{TotalRows: len(rows) + len(parseErrs), Errors: append([]RowError{}, parseErrs...)}
	res.InvalidRows = len(parseErrs)

	for _, row := range rows {
		n, err := Validate(Input{
			Period: row.Period, Value: row.Value, Status: row.Status, PriceType: priceType,
		}, im.now())
		if err != nil {
			res.InvalidRows++
			res.Errors = append(res.Errors, rowError(row.Index, err))
			continue
		}
		res.ValidRows++

		existing, err := im.service.Get(ctx, n.PriceType, n.Period)
		if errors.Is(err, ErrNotFound) {
			res.NewRecords++
			continue
		}
		if err != nil {
			return nil, err
		}
		switch {
		case existing.Value == n.Value && existing.Status == n.Status:
			res.Unchanged++
		case existing.IsLocked,
			existing.Status == StatusFinal && n.Status == StatusProvisional,
			existing.Status == StatusFinal && !force:
			res.FinalConflicts++
		default:
			res.Updates++
		}
	}
	if res.Errors == nil {
		res.Errors = []RowError{}
	}
	return res, nil
}

// ApplyResult reports the write phase.
type ApplyResult struct {
	Success       bool       `json:"success"`
	ImportedCount int        `json:"imported_count"`
	SkippedCount  int        `json:"skipped_count"`
	ErrorCount    int        `json:"error_count"`
	Details       []RowError `json:"details"`
}

// Apply writes the batch. strict=true is all-or-nothing: any invalid row
// or rejected upsert rejects the whole batch (the strict pre-pass runs
// before any write, so nothing is half-applied). strict=false accepts
// and rejects row by row.
func (im *Importer) Apply(ctx context.Context, rows []Row, parseErrs []RowError, priceType, actor string, force, strict bool) (*ApplyResult, error) {
	res := &ApplyResult{Details: append([]RowError{}, parseErrs...)}
	res.ErrorCount = len(parseErrs)

	if strict {
		preview, err := im.Preview(ctx, rows, parseErrs, priceType, force)
		if err != nil {
			return nil, err
		}
		if preview.InvalidRows > 0 || preview.FinalConflicts > 0 {
			res.Success = false
			res.SkippedCount = preview.TotalRows
			res.ErrorCount = preview.InvalidRows + preview.FinalConflicts
			res.Details = preview.Errors
			return res, nil
		}
	}

	changeReason := "bulk import by " + actor
	for _, row := range rows {
		n, err := Validate(Input{
			Period: row.Period, Value: row.Value, Status: row.Status, PriceType: priceType,
		}, im.now())
		if err != nil {
			res.ErrorCount++
			res.SkippedCount++
			res.Details = append(res.Details, rowError(row.Index, err))
			continue
		}
		if _, err := im.service.Upsert(ctx, n, actor, SourceImport, changeReason, force); err != nil {
			res.ErrorCount++
			res.SkippedCount++
			res.Details = append(res.Details, rowError(row.Index, err))
			continue
		}
		res.ImportedCount++
	}
	res.Success = res.ErrorCount == 0
	if res.Details == nil {
		res.Details = []RowError{}
	}
	return res, nil
}

func rowError(index int, err error) RowError {
	re := RowError{RowIndex: index, Code: CodeParseError, Message: err.Error()}
	var rule *RuleError
	if errors.As(err, &rule) {
		re.Code = rule.Code
		re.Message = rule.Message
	}
	var ve *faults.ValidationError
	if errors.As(err, &ve) {
		re.Code = ve.Code
		re.Message = ve.Message
	}
	return re
}
