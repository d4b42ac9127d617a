package vizql

import (
	"fmt"
	"strings"

	"github.com/askviz/askviz-engine/pkg/models"
)

// datePartCues map question phrasing to the date truncation function the
// draft should have used. Checked in order; first match wins.
var datePartCues = []struct {
	cue      string
	function string
}{
	{"by day", models.FuncTruncDay},
	{"daily", models.FuncTruncDay},
	{"by week", models.FuncTruncWeek},
	{"weekly", models.FuncTruncWeek},
	{"by month", models.FuncTruncMonth},
	{"monthly", models.FuncTruncMonth},
	{"per month", models.FuncTruncMonth},
	{"by quarter", models.FuncTruncQuarter},
	{"quarterly", models.FuncTruncQuarter},
	{"by year", models.FuncTruncYear},
	{"yearly", models.FuncTruncYear},
	{"annual", models.FuncTruncYear},
	{"over time", models.FuncTruncMonth},
	{"trend", models.FuncTruncMonth},
}

// distinctCues mark a question as asking for a distinct count.
var distinctCues = []string{
	"distinct", "unique", "how many different", "number of different",
}

// Rewrite applies deterministic fixes to a draft query before validation.
// Each fix appends a human-readable note; the returned list is what fired.
// No LLM involvement: every rewrite is a pure function of the draft, the
// schema and the question text.
func Rewrite(query *models.VDSQuery, schema *models.EnrichedSchema, question string) []string {
	if query == nil {
		return nil
	}

	var changes []string
	fieldMap := schema.FieldMap()
	lowerQuestion := strings.ToLower(question)

	changes = append(changes, rewriteDateTruncation(query, fieldMap, lowerQuestion)...)
	changes = append(changes, rewriteDistinctCount(query, fieldMap, lowerQuestion)...)
	changes = append(changes, rewriteCalculationCaptions(query, fieldMap)...)
	changes = append(changes, rewriteFilters(query, fieldMap)...)
	changes = append(changes, canonicalizeSetValues(query, fieldMap)...)

	return changes
}

// rewriteDateTruncation adds the date function the question implies to date
// dimensions that came through bare.
func rewriteDateTruncation(query *models.VDSQuery, fieldMap map[string]*models.EnrichedField, question string) []string {
	function := ""
	for _, c := range datePartCues {
		if strings.Contains(question, c.cue) {
			function = c.function
			break
		}
	}
	if function == "" {
		return nil
	}

	var changes []string
	for i := range query.Fields {
		f := &query.Fields[i]
		if f.FieldCaption == "" || f.Function != "" || f.Calculation != "" {
			continue
		}
		schemaField, ok := fieldMap[strings.ToLower(f.FieldCaption)]
		if !ok || !schemaField.IsDate() {
			continue
		}
		f.Function = function
		changes = append(changes, fmt.Sprintf("added %s to date dimension %q", function, f.FieldCaption))
	}
	return changes
}

// rewriteDistinctCount upgrades COUNT on dimensions to COUNTD, always when
// the question asks for distinct values and also without the cue: COUNT on a
// dimension answers "how many rows", which is almost never what a dimension
// count means.
func rewriteDistinctCount(query *models.VDSQuery, fieldMap map[string]*models.EnrichedField, question string) []string {
	wantsDistinct := false
	for _, cue := range distinctCues {
		if strings.Contains(question, cue) {
			wantsDistinct = true
			break
		}
	}

	var changes []string
	for i := range query.Fields {
		f := &query.Fields[i]
		if f.Function != models.FuncCount || f.FieldCaption == "" {
			continue
		}
		schemaField, ok := fieldMap[strings.ToLower(f.FieldCaption)]
		if !ok || schemaField.Role != models.RoleDimension {
			continue
		}
		if wantsDistinct || schemaField.DataType == "STRING" {
			f.Function = models.FuncCountD
			changes = append(changes, fmt.Sprintf("changed COUNT to COUNTD on dimension %q", f.FieldCaption))
		}
	}
	return changes
}

// rewriteCalculationCaptions fixes two draft mistakes around calculations:
// an entry carrying both fieldCaption and calculation keeps the calculation
// and moves the caption to an alias, and a calculation whose alias collides
// with a schema field gets renamed.
func rewriteCalculationCaptions(query *models.VDSQuery, fieldMap map[string]*models.EnrichedField) []string {
	var changes []string
	for i := range query.Fields {
		f := &query.Fields[i]
		if f.Calculation == "" {
			continue
		}
		if f.FieldCaption != "" {
			if f.FieldAlias == "" {
				f.FieldAlias = f.FieldCaption
			}
			changes = append(changes, fmt.Sprintf("dropped fieldCaption %q from calculated field (calculation wins)", f.FieldCaption))
			f.FieldCaption = ""
		}
		if f.FieldAlias != "" {
			if _, collides := fieldMap[strings.ToLower(f.FieldAlias)]; collides {
				renamed := f.FieldAlias + "_calc"
				changes = append(changes, fmt.Sprintf("renamed calculation output %q to %q to avoid a field collision", f.FieldAlias, renamed))
				f.FieldAlias = renamed
			}
		}
	}
	return changes
}

// rewriteFilters drops fieldCaption from calculation filters and promotes
// filters on valid fields that are not in the output to context filters, so
// TOP-N rankings are computed inside the filtered set.
func rewriteFilters(query *models.VDSQuery, fieldMap map[string]*models.EnrichedField) []string {
	outputs := make(map[string]bool, len(query.Fields))
	hasTop := false
	for i := range query.Fields {
		if c := query.Fields[i].FieldCaption; c != "" {
			outputs[strings.ToLower(c)] = true
		}
	}
	for i := range query.Filters {
		if query.Filters[i].FilterType == models.FilterTop {
			hasTop = true
		}
	}

	var changes []string
	kept := query.Filters[:0]
	for i := range query.Filters {
		f := query.Filters[i]

		if f.Field.Calculation != "" && f.Field.FieldCaption != "" {
			changes = append(changes, fmt.Sprintf("dropped fieldCaption %q from calculation filter", f.Field.FieldCaption))
			f.Field.FieldCaption = ""
		}

		if f.Field.FieldCaption != "" {
			if _, ok := fieldMap[strings.ToLower(f.Field.FieldCaption)]; !ok && f.Field.Calculation == "" {
				// The validator will reject it anyway when it is a typo; drop
				// only filters that match nothing even approximately.
				if nearestCaption(f.Field.FieldCaption, fieldMap) == "" {
					changes = append(changes, fmt.Sprintf("dropped filter on unknown field %q", f.Field.FieldCaption))
					continue
				}
			} else if hasTop && !f.Context && f.FilterType != models.FilterTop && !outputs[strings.ToLower(f.Field.FieldCaption)] {
				f.Context = true
				changes = append(changes, fmt.Sprintf("marked filter on %q as a context filter", f.Field.FieldCaption))
			}
		}
		kept = append(kept, f)
	}
	query.Filters = kept
	return changes
}

// canonicalizeSetValues aligns SET filter values with the casing the
// datasource actually holds, using the sample values gathered during
// enrichment. Case-insensitive exact match first, then a normalized match
// ignoring spaces and punctuation.
func canonicalizeSetValues(query *models.VDSQuery, fieldMap map[string]*models.EnrichedField) []string {
	var changes []string
	for i := range query.Filters {
		f := &query.Filters[i]
		if f.FilterType != models.FilterSet || f.Field.FieldCaption == "" {
			continue
		}
		schemaField, ok := fieldMap[strings.ToLower(f.Field.FieldCaption)]
		if !ok || len(schemaField.SampleValues) == 0 {
			continue
		}

		for j, v := range f.Values {
			s, isString := v.(string)
			if !isString {
				continue
			}
			canonical, matched := canonicalValue(s, schemaField.SampleValues)
			if matched && canonical != s {
				f.Values[j] = canonical
				changes = append(changes, fmt.Sprintf("canonicalized filter value %q to %q on %q", s, canonical, f.Field.FieldCaption))
			}
		}
	}
	return changes
}

func canonicalValue(value string, samples []string) (string, bool) {
	for _, s := range samples {
		if strings.EqualFold(s, value) {
			return s, true
		}
	}
	normalized := normalizeValue(value)
	for _, s := range samples {
		if normalizeValue(s) == normalized {
			return s, true
		}
	}
	return value, false
}

func normalizeValue(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
