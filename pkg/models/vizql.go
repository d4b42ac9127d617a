package models

import "fmt"

// ============================================================================
// VizQL Data Service Query
// ============================================================================

// Aggregation functions accepted by VDS.
const (
	FuncSum    = "SUM"
	FuncAvg    = "AVG"
	FuncMedian = "MEDIAN"
	FuncCount  = "COUNT"
	FuncCountD = "COUNTD"
	FuncMin    = "MIN"
	FuncMax    = "MAX"
	FuncStdev  = "STDEV"
	FuncVar    = "VAR"
	FuncAttr   = "ATTR"
)

// Date truncation functions accepted by VDS on date dimensions.
const (
	FuncYear         = "YEAR"
	FuncQuarter      = "QUARTER"
	FuncMonth        = "MONTH"
	FuncWeek         = "WEEK"
	FuncDay          = "DAY"
	FuncTruncYear    = "TRUNC_YEAR"
	FuncTruncQuarter = "TRUNC_QUARTER"
	FuncTruncMonth   = "TRUNC_MONTH"
	FuncTruncWeek    = "TRUNC_WEEK"
	FuncTruncDay     = "TRUNC_DAY"
)

// Filter types accepted by VDS.
const (
	FilterSet                   = "SET"
	FilterDate                  = "DATE"
	FilterQuantitativeNumerical = "QUANTITATIVE_NUMERICAL"
	FilterQuantitativeDate      = "QUANTITATIVE_DATE"
	FilterTop                   = "TOP"
	FilterMatch                 = "MATCH"
)

// ReturnFormatObjects is the only return format this engine requests. Objects
// keep field captions attached to values, which the summarizer depends on.
const ReturnFormatObjects = "OBJECTS"

// QueryField is one requested output column. Exactly one of FieldCaption or
// Calculation identifies the source; Function optionally aggregates or
// truncates it.
type QueryField struct {
	FieldCaption     string `json:"fieldCaption,omitempty"`
	Function         string `json:"function,omitempty"`
	Calculation      string `json:"calculation,omitempty"`
	FieldAlias       string `json:"fieldAlias,omitempty"`
	SortDirection    string `json:"sortDirection,omitempty"` // ASC | DESC
	SortPriority     int    `json:"sortPriority,omitempty"`
	MaxDecimalPlaces *int   `json:"maxDecimalPlaces,omitempty"`
}

// OutputName returns the name this field produces in result rows.
func (f *QueryField) OutputName() string {
	if f.FieldAlias != "" {
		return f.FieldAlias
	}
	return f.FieldCaption
}

// FilterField identifies the field a filter applies to.
type FilterField struct {
	FieldCaption string `json:"fieldCaption,omitempty"`
	Function     string `json:"function,omitempty"`
	Calculation  string `json:"calculation,omitempty"`
}

// QueryFilter is one filter clause. FilterType selects which of the optional
// groups below is meaningful; VDS rejects mixed clauses.
type QueryFilter struct {
	Field      FilterField `json:"field"`
	FilterType string      `json:"filterType"`
	Context    bool        `json:"context,omitempty"`

	// SET
	Values  []any `json:"values,omitempty"`
	Exclude bool  `json:"exclude,omitempty"`

	// MATCH
	Contains   string `json:"contains,omitempty"`
	StartsWith string `json:"startsWith,omitempty"`
	EndsWith   string `json:"endsWith,omitempty"`

	// QUANTITATIVE_NUMERICAL / QUANTITATIVE_DATE
	QuantitativeFilterType string   `json:"quantitativeFilterType,omitempty"` // MIN | MAX | RANGE | ONLY_NULL | ONLY_NON_NULL
	Min                    *float64 `json:"min,omitempty"`
	Max                    *float64 `json:"max,omitempty"`
	MinDate                string   `json:"minDate,omitempty"`
	MaxDate                string   `json:"maxDate,omitempty"`

	// DATE (relative date ranges)
	PeriodType    string `json:"periodType,omitempty"`    // DAYS | WEEKS | MONTHS | QUARTERS | YEARS
	DateRangeType string `json:"dateRangeType,omitempty"` // CURRENT | LAST | LASTN | NEXT | NEXTN | TODATE
	RangeN        int    `json:"rangeN,omitempty"`
	AnchorDate    string `json:"anchorDate,omitempty"`

	// TOP
	HowMany        int          `json:"howMany,omitempty"`
	FieldToMeasure *FilterField `json:"fieldToMeasure,omitempty"`
	Direction      string       `json:"direction,omitempty"` // TOP | BOTTOM
}

// QueryOptions are VDS execution options. The executor forces ReturnFormat to
// OBJECTS regardless of what the query builder produced.
type QueryOptions struct {
	ReturnFormat string `json:"returnFormat,omitempty"`
	Disaggregate bool   `json:"disaggregate"`
	Debug        bool   `json:"debug,omitempty"`
}

// VDSQuery is a complete query-datasource payload. Limit is accepted from the
// LLM for tolerance but never sent to the server.
type VDSQuery struct {
	Fields  []QueryField  `json:"fields"`
	Filters []QueryFilter `json:"filters,omitempty"`
	Options *QueryOptions `json:"options,omitempty"`
	Limit   int           `json:"limit,omitempty"`
}

// OutputNames returns the result column name of every field, in order.
func (q *VDSQuery) OutputNames() []string {
	names := make([]string, len(q.Fields))
	for i := range q.Fields {
		names[i] = q.Fields[i].OutputName()
	}
	return names
}

// ============================================================================
// Query Result
// ============================================================================

// QueryResult holds the rows returned by query-datasource in OBJECTS format.
// Columns preserves the output order of the executed query's fields; it is
// reconstructed by the client when the server returns positional arrays.
type QueryResult struct {
	Columns []string         `json:"columns,omitempty"`
	Data    []map[string]any `json:"data"`

	// FromCache marks results served from the fingerprint cache. Runtime
	// annotation only, never serialized to clients verbatim.
	FromCache bool `json:"-"`
}

// RowCount returns the number of data rows.
func (r *QueryResult) RowCount() int {
	return len(r.Data)
}

// DistinctValues returns up to limit distinct values of a column, in first
// appearance order. Used to carry shown dimension values into follow-ups.
func (r *QueryResult) DistinctValues(column string, limit int) []string {
	seen := make(map[string]struct{})
	var values []string
	for _, row := range r.Data {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprintf("%v", v)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		values = append(values, s)
		if limit > 0 && len(values) >= limit {
			break
		}
	}
	return values
}
