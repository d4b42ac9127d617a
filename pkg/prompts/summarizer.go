package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/askviz/askviz-engine/pkg/models"
)

// ContextFence separates the user-facing answer from the machine-readable
// context block in summarizer responses.
const ContextFence = "---CONTEXT---"

// inlineRowLimit is the row count under which the full result table is
// embedded in the prompt. Larger results get a sample plus counts.
const inlineRowLimit = 100

// sampleRows is how many rows of a large result the prompt includes.
const sampleRows = 20

// SummarizerSystem is the system prompt for result summarization.
const SummarizerSystem = `You are an analytics assistant. Summarize query results into a concise, direct answer to the user's question.

Rules:
- Answer the question first, in one or two sentences. Mention specific numbers and names from the data.
- Do not invent values that are not in the result table.
- Mention the row count when it is informative ("across 4 regions").
- After the answer, on its own line, write exactly ` + ContextFence + ` followed by a JSON object:
  {"shown_entities": ["value1", "value2"]}
  listing the dimension values your answer surfaced, so follow-up questions like "break those down" can be resolved. List at most 20.`

// SummarizeInput carries everything the summarizer prompt needs.
type SummarizeInput struct {
	Question  string
	Query     *models.VDSQuery
	Result    *models.QueryResult
	FromCache bool
}

// BuildSummarizePrompt creates the summarization prompt. Small results are
// embedded whole; large ones as a sample with the total count.
func BuildSummarizePrompt(in SummarizeInput) string {
	var b strings.Builder

	b.WriteString("## QUESTION\n")
	b.WriteString(in.Question)
	b.WriteString("\n\n## QUERY\n")
	if raw, err := json.Marshal(in.Query); err == nil {
		b.Write(raw)
	}
	b.WriteString("\n\n## RESULT\n")

	rows := in.Result.Data
	total := in.Result.RowCount()
	if total > inlineRowLimit {
		fmt.Fprintf(&b, "Total rows: %d (showing first %d)\n", total, sampleRows)
		rows = rows[:sampleRows]
	} else {
		fmt.Fprintf(&b, "Total rows: %d\n", total)
	}
	writeRowTable(&b, in.Result.Columns, rows)

	if in.FromCache {
		b.WriteString("\nNote: this result was served from a recent cached execution of the same query.\n")
	}

	b.WriteString("\nWrite the answer, then the ")
	b.WriteString(ContextFence)
	b.WriteString(" block.")
	return b.String()
}

// writeRowTable renders rows as a pipe-separated table in column order.
func writeRowTable(b *strings.Builder, columns []string, rows []map[string]any) {
	if len(columns) == 0 && len(rows) > 0 {
		for k := range rows[0] {
			columns = append(columns, k)
		}
	}
	b.WriteString(strings.Join(columns, " | "))
	b.WriteByte('\n')
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col]; ok && v != nil {
				cells[i] = fmt.Sprintf("%v", v)
			}
		}
		b.WriteString(strings.Join(cells, " | "))
		b.WriteByte('\n')
	}
}

// SplitSummaryResponse separates the answer text from the context JSON that
// follows the fence. A missing fence yields the whole text and no entities.
func SplitSummaryResponse(response string) (answer string, contextJSON string) {
	idx := strings.Index(response, ContextFence)
	if idx < 0 {
		return strings.TrimSpace(response), ""
	}
	answer = strings.TrimSpace(response[:idx])
	contextJSON = strings.TrimSpace(response[idx+len(ContextFence):])
	return answer, contextJSON
}
