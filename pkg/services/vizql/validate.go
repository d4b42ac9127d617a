package vizql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/jinzhu/inflection"

	"github.com/askviz/askviz-engine/pkg/models"
)

// aggregationFunctions are the functions VDS accepts on measures.
var aggregationFunctions = map[string]bool{
	models.FuncSum:    true,
	models.FuncAvg:    true,
	models.FuncMedian: true,
	models.FuncCount:  true,
	models.FuncCountD: true,
	models.FuncMin:    true,
	models.FuncMax:    true,
	models.FuncStdev:  true,
	models.FuncVar:    true,
	models.FuncAttr:   true,
}

// dateFunctions are the functions VDS accepts on date dimensions.
var dateFunctions = map[string]bool{
	models.FuncYear:         true,
	models.FuncQuarter:      true,
	models.FuncMonth:        true,
	models.FuncWeek:         true,
	models.FuncDay:          true,
	models.FuncTruncYear:    true,
	models.FuncTruncQuarter: true,
	models.FuncTruncMonth:   true,
	models.FuncTruncWeek:    true,
	models.FuncTruncDay:     true,
}

// aggregatedFormulaMarkers detect formulas that already aggregate. A field
// whose calculation aggregates must not carry a function on top.
var aggregatedFormulaMarkers = []string{
	"SUM(", "AVG(", "MIN(", "MAX(", "COUNT(", "COUNTD(", "MEDIAN(", "ATTR(", "STDEV(", "VAR(",
}

// maxSuggestionDistance bounds Levenshtein-based field suggestions.
const maxSuggestionDistance = 3

// ValidationIssue is one semantic problem in a draft query, with an optional
// nearest-match suggestion fed back into the next build prompt.
type ValidationIssue struct {
	Field      string `json:"field,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (i ValidationIssue) String() string {
	if i.Suggestion != "" {
		return fmt.Sprintf("%s (did you mean %q?)", i.Message, i.Suggestion)
	}
	return i.Message
}

// FormatIssues joins issues into the feedback text the build prompt receives.
func FormatIssues(issues []ValidationIssue) string {
	lines := make([]string, len(issues))
	for i, issue := range issues {
		lines[i] = "- " + issue.String()
	}
	return strings.Join(lines, "\n")
}

// Validate checks a draft query against the enriched schema. It is a pure
// function of its inputs: no network, no state, deterministic output.
func Validate(query *models.VDSQuery, schema *models.EnrichedSchema) []ValidationIssue {
	var issues []ValidationIssue

	if query == nil || len(query.Fields) == 0 {
		return append(issues, ValidationIssue{Message: "query has no fields; at least one field is required"})
	}

	fieldMap := schema.FieldMap()
	seen := make(map[string]bool, len(query.Fields))

	for i := range query.Fields {
		f := &query.Fields[i]
		issues = append(issues, validateField(f, i, fieldMap)...)

		name := strings.ToLower(f.OutputName())
		if name == "" && f.Calculation != "" {
			continue
		}
		if seen[name] {
			issues = append(issues, ValidationIssue{
				Field:   f.OutputName(),
				Message: fmt.Sprintf("duplicate output name %q; give one of the fields a fieldAlias", f.OutputName()),
			})
		}
		seen[name] = true
	}

	for i := range query.Filters {
		issues = append(issues, validateFilter(&query.Filters[i], i, fieldMap)...)
	}

	return issues
}

func validateField(f *models.QueryField, idx int, fieldMap map[string]*models.EnrichedField) []ValidationIssue {
	var issues []ValidationIssue

	if f.Calculation != "" {
		if !balancedExpression(f.Calculation) {
			issues = append(issues, ValidationIssue{
				Field:   f.OutputName(),
				Message: fmt.Sprintf("calculation %q has unbalanced parentheses or brackets", f.Calculation),
			})
		}
		if f.Function != "" && formulaAggregates(f.Calculation) {
			issues = append(issues, ValidationIssue{
				Field:   f.OutputName(),
				Message: fmt.Sprintf("calculation already aggregates; remove function %q", f.Function),
			})
		}
		return issues
	}

	if f.FieldCaption == "" {
		return append(issues, ValidationIssue{
			Message: fmt.Sprintf("field %d has neither fieldCaption nor calculation", idx),
		})
	}

	schemaField, ok := fieldMap[strings.ToLower(f.FieldCaption)]
	if !ok {
		return append(issues, ValidationIssue{
			Field:      f.FieldCaption,
			Message:    fmt.Sprintf("field %q not found in datasource", f.FieldCaption),
			Suggestion: nearestCaption(f.FieldCaption, fieldMap),
		})
	}

	// A calculated field whose formula aggregates must come bare; VDS
	// rejects double aggregation.
	if f.Function != "" && schemaField.IsCalculated() && formulaAggregates(schemaField.Formula) {
		issues = append(issues, ValidationIssue{
			Field:   f.FieldCaption,
			Message: fmt.Sprintf("field %q is a pre-aggregated calculation; remove function %q", f.FieldCaption, f.Function),
		})
	}

	if f.Function == "" {
		return issues
	}

	switch {
	case dateFunctions[f.Function]:
		if !schemaField.IsDate() {
			issues = append(issues, ValidationIssue{
				Field:   f.FieldCaption,
				Message: fmt.Sprintf("date function %q applied to non-date field %q (%s)", f.Function, f.FieldCaption, schemaField.DataType),
			})
		}
	case aggregationFunctions[f.Function]:
		if schemaField.Role == models.RoleDimension && f.Function != models.FuncCount && f.Function != models.FuncCountD && f.Function != models.FuncAttr &&
			f.Function != models.FuncMin && f.Function != models.FuncMax {
			issues = append(issues, ValidationIssue{
				Field:   f.FieldCaption,
				Message: fmt.Sprintf("aggregation %q is not valid on dimension %q; use COUNT, COUNTD, MIN, MAX or ATTR", f.Function, f.FieldCaption),
			})
		}
	default:
		issues = append(issues, ValidationIssue{
			Field:   f.FieldCaption,
			Message: fmt.Sprintf("unknown function %q on field %q", f.Function, f.FieldCaption),
		})
	}

	return issues
}

func validateFilter(f *models.QueryFilter, idx int, fieldMap map[string]*models.EnrichedField) []ValidationIssue {
	var issues []ValidationIssue

	var schemaField *models.EnrichedField
	if f.Field.Calculation == "" {
		if f.Field.FieldCaption == "" {
			return append(issues, ValidationIssue{
				Message: fmt.Sprintf("filter %d has no field", idx),
			})
		}
		var ok bool
		schemaField, ok = fieldMap[strings.ToLower(f.Field.FieldCaption)]
		if !ok {
			return append(issues, ValidationIssue{
				Field:      f.Field.FieldCaption,
				Message:    fmt.Sprintf("filter field %q not found in datasource", f.Field.FieldCaption),
				Suggestion: nearestCaption(f.Field.FieldCaption, fieldMap),
			})
		}
	}

	switch f.FilterType {
	case models.FilterSet:
		if len(f.Values) == 0 {
			issues = append(issues, ValidationIssue{
				Field:   f.Field.FieldCaption,
				Message: fmt.Sprintf("SET filter on %q has no values", f.Field.FieldCaption),
			})
		}
	case models.FilterTop:
		if f.HowMany <= 0 {
			issues = append(issues, ValidationIssue{
				Field:   f.Field.FieldCaption,
				Message: "TOP filter requires howMany > 0",
			})
		}
		if f.Direction != "TOP" && f.Direction != "BOTTOM" {
			issues = append(issues, ValidationIssue{
				Field:   f.Field.FieldCaption,
				Message: fmt.Sprintf("TOP filter direction must be TOP or BOTTOM, got %q", f.Direction),
			})
		}
		if f.FieldToMeasure == nil {
			issues = append(issues, ValidationIssue{
				Field:   f.Field.FieldCaption,
				Message: "TOP filter requires fieldToMeasure",
			})
		} else if f.FieldToMeasure.Calculation == "" && f.FieldToMeasure.FieldCaption != "" {
			if _, ok := fieldMap[strings.ToLower(f.FieldToMeasure.FieldCaption)]; !ok {
				issues = append(issues, ValidationIssue{
					Field:      f.FieldToMeasure.FieldCaption,
					Message:    fmt.Sprintf("TOP filter measure %q not found in datasource", f.FieldToMeasure.FieldCaption),
					Suggestion: nearestCaption(f.FieldToMeasure.FieldCaption, fieldMap),
				})
			}
		}
	case models.FilterQuantitativeNumerical:
		if schemaField != nil && !schemaField.IsNumeric() {
			issues = append(issues, ValidationIssue{
				Field:   f.Field.FieldCaption,
				Message: fmt.Sprintf("quantitative filter on non-numeric field %q (%s)", f.Field.FieldCaption, schemaField.DataType),
			})
		}
	case models.FilterQuantitativeDate, models.FilterDate:
		if schemaField != nil && !schemaField.IsDate() {
			issues = append(issues, ValidationIssue{
				Field:   f.Field.FieldCaption,
				Message: fmt.Sprintf("date filter on non-date field %q (%s)", f.Field.FieldCaption, schemaField.DataType),
			})
		}
	case models.FilterMatch:
		if f.Contains == "" && f.StartsWith == "" && f.EndsWith == "" {
			issues = append(issues, ValidationIssue{
				Field:   f.Field.FieldCaption,
				Message: fmt.Sprintf("MATCH filter on %q needs contains, startsWith or endsWith", f.Field.FieldCaption),
			})
		}
	case "":
		issues = append(issues, ValidationIssue{
			Field:   f.Field.FieldCaption,
			Message: fmt.Sprintf("filter %d has no filterType", idx),
		})
	default:
		issues = append(issues, ValidationIssue{
			Field:   f.Field.FieldCaption,
			Message: fmt.Sprintf("unknown filterType %q", f.FilterType),
		})
	}

	return issues
}

// nearestCaption finds the closest schema caption to an unknown name: exact
// plural-insensitive match first, then substring containment, then smallest
// Levenshtein distance within the cap. Keys are visited in sorted order so
// the suggestion is deterministic.
func nearestCaption(name string, fieldMap map[string]*models.EnrichedField) string {
	lower := strings.ToLower(name)
	singular := strings.ToLower(inflection.Singular(name))

	keys := make([]string, 0, len(fieldMap))
	for key := range fieldMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	best := ""
	bestDistance := maxSuggestionDistance + 1
	for _, key := range keys {
		if strings.ToLower(inflection.Singular(key)) == singular {
			return fieldMap[key].FieldCaption
		}
		if strings.Contains(key, lower) || strings.Contains(lower, key) {
			if bestDistance > maxSuggestionDistance {
				best = fieldMap[key].FieldCaption
				bestDistance = maxSuggestionDistance
			}
			continue
		}
		if d := levenshtein.ComputeDistance(lower, key); d < bestDistance {
			best = fieldMap[key].FieldCaption
			bestDistance = d
		}
	}
	return best
}

// balancedExpression checks parentheses and brackets outside string literals.
func balancedExpression(expr string) bool {
	depth := 0
	bracketDepth := 0
	inString := false
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if c == '\'' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case '[':
			bracketDepth++
		case ']':
			bracketDepth--
		}
		if depth < 0 || bracketDepth < 0 {
			return false
		}
	}
	return depth == 0 && bracketDepth == 0 && !inString
}

// formulaAggregates reports whether a calculation formula already contains
// an aggregation call.
func formulaAggregates(formula string) bool {
	upper := strings.ToUpper(formula)
	for _, marker := range aggregatedFormulaMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
