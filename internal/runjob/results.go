// Package runjob executes one run: stages the input document into the
// run's input directory, invokes the extraction engine from a ready
// environment's venv as a subprocess, and records the resulting metrics/fields/column mappings.
package runjob

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/ade-run/ade/internal/models"
)

var severities = []string{"info", "warning", "error"}
var mappingStatuses = map[string]bool{"mapped": true, "unmapped": true}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asStr(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch n := v.(type) {
	case bool:
		return n, true
	case float64:
		return n != 0, true
	case int:
		return n != 0, true
	case string:
		s := strings.ToLower(strings.TrimSpace(n))
		switch s {
		case "1", "true", "yes", "y", "on":
			return true, true
		case "0", "false", "no", "n", "off":
			return false, true
		}
	}
	return false, false
}

func normalizeMappingStatus(v any) (string, bool) {
	s, ok := asStr(v)
	if !ok {
		return "", false
	}
	s = strings.ToLower(s)
	if !mappingStatuses[s] {
		return "", false
	}
	return s, true
}

func countFindings(findings []any) map[string]int {
	counts := map[string]int{"info": 0, "warning": 0, "error": 0}
	for _, item := range findings {
		data := asMap(item)
		severity, ok := asStr(data["severity"])
		if !ok {
			continue
		}
		severity = strings.ToLower(severity)
		if _, known := counts[severity]; known {
			counts[severity]++
		}
	}
	return counts
}

func assignNullString(dst *sql.NullString, v any) {
	s, ok := v.(string)
	if !ok {
		return
	}
	dst.String = s
	dst.Valid = true
}

// ParseRunMetrics extracts the run_metrics row from an
// engine.run.completed payload, or nil if the payload is scoped to
// something other than "run" or carries no usable metric.
func ParseRunMetrics(payload map[string]any) *models.RunMetrics {
	if payload == nil {
		return nil
	}
	if scope, ok := asStr(payload["scope"]); ok && scope != "run" {
		return nil
	}

	m := &models.RunMetrics{}
	anySet := false

	setStr := func(dst *sql.NullString, v any) {
		if s, ok := asStr(v); ok {
			dst.String = s
			dst.Valid = true
			anySet = true
		}
	}
	setInt := func(dst *sql.NullInt64, v any) {
		if i, ok := asInt(v); ok {
			dst.Int64 = i
			dst.Valid = true
			anySet = true
		}
	}

	evaluation := asMap(payload["evaluation"])
	setStr(&m.EvaluationOutcome, evaluation["outcome"])
	if findings, ok := evaluation["findings"].([]any); ok {
		m.EvaluationFindingsTotal = sql.NullInt64{Int64: int64(len(findings)), Valid: true}
		anySet = true
		counts := countFindings(findings)
		m.EvaluationFindingsInfo = sql.NullInt64{Int64: int64(counts["info"]), Valid: true}
		m.EvaluationFindingsWarning = sql.NullInt64{Int64: int64(counts["warning"]), Valid: true}
		m.EvaluationFindingsError = sql.NullInt64{Int64: int64(counts["error"]), Valid: true}
	}

	validation := asMap(payload["validation"])
	setInt(&m.ValidationIssuesTotal, validation["issues_total"])
	bySeverity := asMap(validation["issues_by_severity"])
	setInt(&m.ValidationIssuesInfo, bySeverity["info"])
	setInt(&m.ValidationIssuesWarning, bySeverity["warning"])
	setInt(&m.ValidationIssuesError, bySeverity["error"])
	setStr(&m.ValidationMaxSeverity, validation["max_severity"])

	counts := asMap(payload["counts"])
	setInt(&m.WorkbookCount, counts["workbooks"])
	setInt(&m.SheetCount, counts["sheets"])
	setInt(&m.TableCount, counts["tables"])

	rows := asMap(counts["rows"])
	setInt(&m.RowCountTotal, rows["total"])
	setInt(&m.RowCountEmpty, rows["empty"])

	columns := asMap(counts["columns"])
	setInt(&m.ColumnCountTotal, columns["total"])
	setInt(&m.ColumnCountEmpty, columns["empty"])
	setInt(&m.ColumnCountMapped, columns["mapped"])
	setInt(&m.ColumnCountUnmapped, columns["unmapped"])

	fields := asMap(counts["fields"])
	setInt(&m.FieldCountExpected, fields["expected"])
	setInt(&m.FieldCountDetected, fields["detected"])
	setInt(&m.FieldCountNotDetected, fields["not_detected"])

	cells := asMap(counts["cells"])
	setInt(&m.CellCountTotal, cells["total"])
	setInt(&m.CellCountNonEmpty, cells["non_empty"])

	if !anySet {
		return nil
	}
	return m
}

// ParseRunFields extracts the per-expected-field outcome rows from an
// engine.run.completed payload.
func ParseRunFields(payload map[string]any) []models.RunField {
	var rows []models.RunField
	if payload == nil {
		return rows
	}
	if scope, ok := asStr(payload["scope"]); ok && scope != "run" {
		return rows
	}

	fields, ok := payload["fields"].([]any)
	if !ok {
		return rows
	}

	for _, item := range fields {
		data := asMap(item)
		if data == nil {
			continue
		}
		fieldName, ok := asStr(data["field"])
		if !ok {
			continue
		}
		detected, ok := asBool(data["detected"])
		if !ok {
			continue
		}
		occurrences := asMap(data["occurrences"])
		occTables, _ := asInt(occurrences["tables"])
		occColumns, _ := asInt(occurrences["columns"])

		row := models.RunField{
			Field:              fieldName,
			Detected:           detected,
			OccurrencesTables:  int(occTables),
			OccurrencesColumns: int(occColumns),
		}
		assignNullString(&row.Label, mustStr(data["label"]))
		if score, ok := asFloat(data["best_mapping_score"]); ok {
			row.BestMappingScore.Float64 = score
			row.BestMappingScore.Valid = true
		}
		rows = append(rows, row)
	}
	return rows
}

// ParseRunTableColumns extracts one row per source column the engine
// examined, skipping any column whose mapping status, trimmed and
// lowercased, isn't "mapped" or "unmapped".
func ParseRunTableColumns(payload map[string]any) []models.RunTableColumn {
	var rows []models.RunTableColumn
	if payload == nil {
		return rows
	}
	if scope, ok := asStr(payload["scope"]); ok && scope != "run" {
		return rows
	}

	workbooks, ok := payload["workbooks"].([]any)
	if !ok {
		return rows
	}

	for _, wb := range workbooks {
		workbookData := asMap(wb)
		workbookInfo := asMap(asMap(workbookData["locator"])["workbook"])
		workbookIndex, okIdx := asInt(workbookInfo["index"])
		workbookName, okName := asStr(workbookInfo["name"])
		if !okIdx || !okName {
			continue
		}

		sheets, ok := workbookData["sheets"].([]any)
		if !ok {
			continue
		}
		for _, sh := range sheets {
			sheetData := asMap(sh)
			sheetInfo := asMap(asMap(sheetData["locator"])["sheet"])
			sheetIndex, okIdx := asInt(sheetInfo["index"])
			sheetName, okName := asStr(sheetInfo["name"])
			if !okIdx || !okName {
				continue
			}

			tables, ok := sheetData["tables"].([]any)
			if !ok {
				continue
			}
			for _, tb := range tables {
				tableData := asMap(tb)
				tableInfo := asMap(asMap(tableData["locator"])["table"])
				tableIndex, okIdx := asInt(tableInfo["index"])
				if !okIdx {
					continue
				}

				structure := asMap(tableData["structure"])
				columns, ok := structure["columns"].([]any)
				if !ok {
					continue
				}
				for _, col := range columns {
					columnData := asMap(col)
					columnIndex, okIdx := asInt(columnData["index"])
					if !okIdx {
						continue
					}

					mapping := asMap(columnData["mapping"])
					mappingStatus, okStatus := normalizeMappingStatus(mapping["status"])
					if !okStatus {
						continue
					}

					header := asMap(columnData["header"])
					nonEmptyCells, _ := asInt(columnData["non_empty_cells"])

					row := models.RunTableColumn{
						WorkbookIndex: int(workbookIndex),
						WorkbookName:  workbookName,
						SheetIndex:    int(sheetIndex),
						SheetName:     sheetName,
						TableIndex:    int(tableIndex),
						ColumnIndex:   int(columnIndex),
						NonEmptyCells: int(nonEmptyCells),
						MappingStatus: mappingStatus,
					}
					assignNullString(&row.HeaderRaw, mustStr(header["raw"]))
					assignNullString(&row.HeaderNormalized, mustStr(header["normalized"]))
					assignNullString(&row.MappedField, mustStr(mapping["field"]))
					assignNullString(&row.MappingMethod, mustStr(mapping["method"]))
					assignNullString(&row.UnmappedReason, mustStr(mapping["unmapped_reason"]))
					if score, ok := asFloat(mapping["score"]); ok {
						row.MappingScore.Float64 = score
						row.MappingScore.Valid = true
					}
					rows = append(rows, row)
				}
			}
		}
	}
	return rows
}

// unmappedColumnCountMismatch cross-checks ParseRunMetrics's column count
// against a jsonpath walk of the same payload's nested
// workbooks[].sheets[].tables[].structure.columns[] array. A fixed gjson
// path can't express the variable depth, so this uses jsonpath's wildcard
// segments to flatten it in one query instead of re-running the manual
// nested loop ParseRunTableColumns already does.
func unmappedColumnCountMismatch(payload map[string]any, want sql.NullInt64) (mismatch bool, wantN, gotN int64) {
	if !want.Valid {
		return false, 0, 0
	}
	result, err := jsonpath.Get("$.workbooks[*].sheets[*].tables[*].structure.columns[*].mapping.status", payload)
	if err != nil {
		return false, 0, 0
	}
	statuses, ok := result.([]any)
	if !ok {
		return false, 0, 0
	}
	var unmapped int64
	for _, s := range statuses {
		if status, ok := asStr(s); ok && strings.ToLower(status) == "unmapped" {
			unmapped++
		}
	}
	if unmapped != want.Int64 {
		return true, want.Int64, unmapped
	}
	return false, want.Int64, unmapped
}

// mustStr coerces an arbitrary JSON value to its trimmed string form,
// returning nil (which assignNullString leaves invalid) when it isn't a
// non-empty string.
func mustStr(v any) any {
	s, ok := asStr(v)
	if !ok {
		return nil
	}
	return s
}
