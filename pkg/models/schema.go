package models

import (
	"strings"
	"time"
)

// ============================================================================
// Field Roles
// ============================================================================

// FieldRole classifies how a field participates in a query.
type FieldRole string

const (
	RoleDimension FieldRole = "DIMENSION"
	RoleMeasure   FieldRole = "MEASURE"
	RoleUnknown   FieldRole = "UNKNOWN"
)

// ============================================================================
// Enriched Schema
// ============================================================================

// ValueCount is one dimension value with its row count.
type ValueCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// EnrichedField is a datasource field with everything the query builder needs:
// the base metadata from VDS read-metadata, usage statistics gathered through
// small aggregation queries, and description and formula from the Metadata API.
type EnrichedField struct {
	FieldName          string    `json:"field_name"`
	FieldCaption       string    `json:"field_caption"`
	DataType           string    `json:"data_type"`
	Role               FieldRole `json:"role"`
	DefaultAggregation string    `json:"default_aggregation,omitempty"`
	Description        string    `json:"description,omitempty"`
	Formula            string    `json:"formula,omitempty"`

	// Statistics, present only when stat enrichment succeeded for this field.
	DistinctCount  int64        `json:"distinct_count,omitempty"`
	MinValue       string       `json:"min_value,omitempty"`
	MaxValue       string       `json:"max_value,omitempty"`
	MedianValue    string       `json:"median_value,omitempty"`
	NullPercentage *float64     `json:"null_percentage,omitempty"`
	SampleValues   []string     `json:"sample_values,omitempty"`
	ValueCounts    []ValueCount `json:"value_counts,omitempty"`
}

// IsDate returns true for date and datetime fields.
func (f *EnrichedField) IsDate() bool {
	return f.DataType == "DATE" || f.DataType == "DATETIME"
}

// IsNumeric returns true for integer and real fields.
func (f *EnrichedField) IsNumeric() bool {
	return f.DataType == "INTEGER" || f.DataType == "REAL"
}

// IsCalculated returns true for fields backed by a calculation formula.
func (f *EnrichedField) IsCalculated() bool {
	return f.Formula != ""
}

// EnrichedSchema is the full queryable surface of one published datasource.
type EnrichedSchema struct {
	DatasourceID   string          `json:"datasource_id"`
	DatasourceName string          `json:"datasource_name"`
	Description    string          `json:"description,omitempty"`
	Fields         []EnrichedField `json:"fields"`
	EnrichedAt     time.Time       `json:"enriched_at"`

	// Partial-enrichment markers. A schema with these set is still usable;
	// the corresponding enrichment source failed and was skipped.
	StatsPartial        bool `json:"stats_partial,omitempty"`
	DescriptionsPartial bool `json:"descriptions_partial,omitempty"`
}

// FieldByCaption returns the field with the given caption, matched
// case-insensitively, or nil.
func (s *EnrichedSchema) FieldByCaption(caption string) *EnrichedField {
	for i := range s.Fields {
		if strings.EqualFold(s.Fields[i].FieldCaption, caption) {
			return &s.Fields[i]
		}
	}
	return nil
}

// Measures returns the aggregable fields in schema order.
func (s *EnrichedSchema) Measures() []EnrichedField {
	var out []EnrichedField
	for _, f := range s.Fields {
		if f.Role == RoleMeasure {
			out = append(out, f)
		}
	}
	return out
}

// Dimensions returns the categorical and temporal fields in schema order.
func (s *EnrichedSchema) Dimensions() []EnrichedField {
	var out []EnrichedField
	for _, f := range s.Fields {
		if f.Role == RoleDimension {
			out = append(out, f)
		}
	}
	return out
}

// FieldMap builds a lowercased lookup over the schema. Keys are the caption,
// the logical field name, and for dotted captions the last segment, so both
// "customer.name" and "name" resolve.
func (s *EnrichedSchema) FieldMap() map[string]*EnrichedField {
	m := make(map[string]*EnrichedField, len(s.Fields)*2)
	for i := range s.Fields {
		f := &s.Fields[i]
		m[strings.ToLower(f.FieldCaption)] = f
		if f.FieldName != "" {
			if _, taken := m[strings.ToLower(f.FieldName)]; !taken {
				m[strings.ToLower(f.FieldName)] = f
			}
		}
		if idx := strings.LastIndexByte(f.FieldCaption, '.'); idx >= 0 && idx < len(f.FieldCaption)-1 {
			last := strings.ToLower(f.FieldCaption[idx+1:])
			if _, taken := m[last]; !taken {
				m[last] = f
			}
		}
	}
	return m
}

// Captions returns all field captions in schema order.
func (s *EnrichedSchema) Captions() []string {
	captions := make([]string, len(s.Fields))
	for i := range s.Fields {
		captions[i] = s.Fields[i].FieldCaption
	}
	return captions
}
