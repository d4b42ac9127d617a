// Package prompts builds the LLM prompts used by the agent pipeline. All
// constructors are pure string builders so prompt content is testable
// without a provider.
package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/askviz/askviz-engine/pkg/models"
)

// QueryBuilderSystem is the system prompt for VDS query generation.
const QueryBuilderSystem = `You are a Tableau VizQL Data Service query generator. You translate analytics questions into VDS JSON queries against a single published datasource.

Rules:
- Respond with ONE JSON object and nothing else. No prose, no code fences.
- Use only field captions listed in the FIELDS section, exactly as written.
- Measures need a "function": SUM, AVG, MIN, MAX, COUNT, COUNTD, MEDIAN, STDEV, VAR or ATTR.
- Date dimensions grouped by period use a date function: YEAR, QUARTER, MONTH, WEEK, DAY or TRUNC_YEAR, TRUNC_QUARTER, TRUNC_MONTH, TRUNC_WEEK, TRUNC_DAY.
- Calculated expressions go in "calculation", never in "fieldCaption".
- Filters: SET (values), MATCH (contains/startsWith/endsWith), QUANTITATIVE_NUMERICAL (min/max), QUANTITATIVE_DATE (minDate/maxDate), DATE (periodType/dateRangeType), TOP (howMany/direction/fieldToMeasure).
- For "top N" questions use a TOP filter, not a limit.

The JSON shape is:
{"fields":[{"fieldCaption":"...","function":"..."}],"filters":[...]}`

// BuildQueryPrompt assembles the user prompt for one build attempt. On
// retries, feedback carries the validation or execution error verbatim so
// the model can correct the previous draft.
type BuildQueryInput struct {
	Context       string // compressed schema + conversation context
	Question      string
	PriorDraft    *models.VDSQuery // the draft that failed, on retries
	Feedback      string           // validation or execution error text
	ReusePrior    bool             // seed with the prior successful query
	PriorQuery    *models.VDSQuery
	PriorQuestion string
}

// BuildQueryPrompt creates the query generation prompt.
func BuildQueryPrompt(in BuildQueryInput) string {
	var b strings.Builder

	b.WriteString(in.Context)
	b.WriteString("\n## QUESTION\n")
	b.WriteString(in.Question)
	b.WriteString("\n")

	if in.ReusePrior && in.PriorQuery != nil {
		b.WriteString("\n## STARTING POINT\n")
		fmt.Fprintf(&b, "This is a follow-up to %q. Modify the prior query below rather than starting over; keep its fields and filters unless the question changes them.\n", in.PriorQuestion)
		if raw, err := json.Marshal(in.PriorQuery); err == nil {
			b.Write(raw)
			b.WriteByte('\n')
		}
	}

	if in.Feedback != "" {
		b.WriteString("\n## PREVIOUS ATTEMPT FAILED\n")
		if in.PriorDraft != nil {
			if raw, err := json.Marshal(in.PriorDraft); err == nil {
				b.WriteString("Draft:\n")
				b.Write(raw)
				b.WriteByte('\n')
			}
		}
		b.WriteString("Error:\n")
		b.WriteString(in.Feedback)
		b.WriteString("\nFix the error and return the corrected JSON query.\n")
	}

	b.WriteString("\nReturn the VDS JSON query now.")
	return b.String()
}
