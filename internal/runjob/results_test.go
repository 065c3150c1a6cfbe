package runjob

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRunMetricsNilWhenEmpty(t *testing.T) {
	assert.Nil(t, ParseRunMetrics(map[string]any{"scope": "run"}))
}

func TestParseRunMetricsWrongScope(t *testing.T) {
	assert.Nil(t, ParseRunMetrics(map[string]any{
		"scope":      "sheet",
		"evaluation": map[string]any{"outcome": "pass"},
	}))
}

func TestParseRunMetricsPopulatesFields(t *testing.T) {
	payload := map[string]any{
		"scope": "run",
		"evaluation": map[string]any{
			"outcome": "fail",
			"findings": []any{
				map[string]any{"severity": "error"},
				map[string]any{"severity": "warning"},
				map[string]any{"severity": "warning"},
			},
		},
		"validation": map[string]any{
			"issues_total":       float64(3),
			"issues_by_severity": map[string]any{"info": float64(1), "warning": float64(2), "error": float64(0)},
			"max_severity":       "warning",
		},
		"counts": map[string]any{
			"workbooks": float64(1),
			"sheets":    float64(2),
			"tables":    float64(3),
			"rows":      map[string]any{"total": float64(100), "empty": float64(10)},
			"columns":   map[string]any{"total": float64(5), "empty": float64(1), "mapped": float64(3), "unmapped": float64(1)},
			"fields":    map[string]any{"expected": float64(4), "detected": float64(3), "not_detected": float64(1)},
			"cells":     map[string]any{"total": float64(500), "non_empty": float64(450)},
		},
	}

	m := ParseRunMetrics(payload)
	require.NotNil(t, m)
	assert.Equal(t, "fail", m.EvaluationOutcome.String)
	assert.Equal(t, int64(3), m.EvaluationFindingsTotal.Int64)
	assert.Equal(t, int64(1), m.EvaluationFindingsError.Int64)
	assert.Equal(t, int64(2), m.EvaluationFindingsWarning.Int64)
	assert.Equal(t, int64(100), m.RowCountTotal.Int64)
	assert.Equal(t, int64(3), m.ColumnCountMapped.Int64)
}

func TestParseRunFieldsSkipsMissingDetected(t *testing.T) {
	payload := map[string]any{
		"scope": "run",
		"fields": []any{
			map[string]any{"field": "invoice_number", "detected": true, "label": "Invoice #"},
			map[string]any{"field": "missing_detected_flag"},
		},
	}
	rows := ParseRunFields(payload)
	require.Len(t, rows, 1)
	assert.Equal(t, "invoice_number", rows[0].Field)
	assert.True(t, rows[0].Detected)
	assert.Equal(t, "Invoice #", rows[0].Label.String)
}

func TestParseRunTableColumnsSkipsUnrecognizedMappingStatus(t *testing.T) {
	payload := map[string]any{
		"scope": "run",
		"workbooks": []any{
			map[string]any{
				"locator": map[string]any{"workbook": map[string]any{"index": float64(0), "name": "Book1.xlsx"}},
				"sheets": []any{
					map[string]any{
						"locator": map[string]any{"sheet": map[string]any{"index": float64(0), "name": "Sheet1"}},
						"tables": []any{
							map[string]any{
								"locator": map[string]any{"table": map[string]any{"index": float64(0)}},
								"structure": map[string]any{
									"columns": []any{
										map[string]any{
											"index":           float64(0),
											"header":          map[string]any{"raw": "Amount", "normalized": "amount"},
											"non_empty_cells": float64(12),
											"mapping":         map[string]any{"status": "mapped", "field": "total_amount", "score": 0.92},
										},
										map[string]any{
											"index":   float64(1),
											"mapping": map[string]any{"status": "pending"},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	rows := ParseRunTableColumns(payload)
	require.Len(t, rows, 1)
	assert.Equal(t, "mapped", rows[0].MappingStatus)
	assert.Equal(t, "total_amount", rows[0].MappedField.String)
	assert.InDelta(t, 0.92, rows[0].MappingScore.Float64, 0.0001)
}

func TestUnmappedColumnCountMismatchAgrees(t *testing.T) {
	payload := map[string]any{
		"workbooks": []any{
			map[string]any{
				"sheets": []any{
					map[string]any{
						"tables": []any{
							map[string]any{
								"structure": map[string]any{
									"columns": []any{
										map[string]any{"mapping": map[string]any{"status": "mapped"}},
										map[string]any{"mapping": map[string]any{"status": "unmapped"}},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	mismatch, want, got := unmappedColumnCountMismatch(payload, sql.NullInt64{Int64: 1, Valid: true})
	assert.False(t, mismatch)
	assert.Equal(t, int64(1), want)
	assert.Equal(t, int64(1), got)
}

func TestUnmappedColumnCountMismatchDisagrees(t *testing.T) {
	payload := map[string]any{
		"workbooks": []any{
			map[string]any{
				"sheets": []any{
					map[string]any{
						"tables": []any{
							map[string]any{
								"structure": map[string]any{
									"columns": []any{
										map[string]any{"mapping": map[string]any{"status": "unmapped"}},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	mismatch, want, got := unmappedColumnCountMismatch(payload, sql.NullInt64{Int64: 3, Valid: true})
	assert.True(t, mismatch)
	assert.Equal(t, int64(3), want)
	assert.Equal(t, int64(1), got)
}

func TestUnmappedColumnCountMismatchInvalidWant(t *testing.T) {
	mismatch, _, _ := unmappedColumnCountMismatch(map[string]any{}, sql.NullInt64{})
	assert.False(t, mismatch)
}
