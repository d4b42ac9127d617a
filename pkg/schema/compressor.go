package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/askviz/askviz-engine/pkg/models"
)

// Compressor settings. Prompt context must stay small and deterministic:
// the same schema and history always compress to the same text.
const (
	maxDescriptionLen  = 120
	maxSampleValues    = 8
	lowCardinalityMax  = 50
	maxHistoryMessages = 6
	maxMessageLen      = 400
)

// CompressorInput is everything the compressor folds into prompt context.
type CompressorInput struct {
	Schema  *models.EnrichedSchema
	History []models.ChatMessage

	// PriorQuestion and PriorQuery are the last successful turn, included so
	// the builder can modify instead of regenerate on follow-ups.
	PriorQuestion string
	PriorQuery    *models.VDSQuery
}

// Compress renders the four-section prompt context: DATASOURCE, FIELDS,
// CONVERSATION, PRIOR QUERY. Sections with nothing to say are omitted.
func Compress(in CompressorInput) string {
	var b strings.Builder

	if in.Schema != nil {
		b.WriteString("## DATASOURCE\n")
		b.WriteString(in.Schema.DatasourceName)
		if in.Schema.Description != "" {
			b.WriteString(" — ")
			b.WriteString(truncate(in.Schema.Description, maxDescriptionLen))
		}
		b.WriteString("\n\n## FIELDS\n")
		for i := range in.Schema.Fields {
			writeFieldLine(&b, &in.Schema.Fields[i])
		}
	}

	if len(in.History) > 0 {
		b.WriteString("\n## CONVERSATION\n")
		history := in.History
		if len(history) > maxHistoryMessages {
			history = history[len(history)-maxHistoryMessages:]
		}
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, maxMessageLen))
			if m.IsFromAssistant() && len(m.ShownEntities) > 0 {
				fmt.Fprintf(&b, "  (shown: %s)\n", strings.Join(m.ShownEntities, ", "))
			}
		}
	}

	if in.PriorQuery != nil {
		b.WriteString("\n## PRIOR QUERY\n")
		if in.PriorQuestion != "" {
			fmt.Fprintf(&b, "Question: %s\n", in.PriorQuestion)
		}
		if raw, err := json.Marshal(in.PriorQuery); err == nil {
			b.Write(raw)
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// writeFieldLine renders one field as a single compact line:
//
//	Sales (MEASURE, REAL) agg=SUM — Total sale amount [12.5 .. 9890.2]
//	Region (DIMENSION, STRING) values: East, West, Central, South
func writeFieldLine(b *strings.Builder, f *models.EnrichedField) {
	fmt.Fprintf(b, "- %s (%s, %s)", f.FieldCaption, f.Role, f.DataType)
	if f.DefaultAggregation != "" && f.Role == models.RoleMeasure {
		fmt.Fprintf(b, " agg=%s", f.DefaultAggregation)
	}
	if f.IsCalculated() {
		b.WriteString(" [calculated]")
	}
	if f.Description != "" {
		fmt.Fprintf(b, " — %s", truncate(f.Description, maxDescriptionLen))
	}
	if f.MinValue != "" || f.MaxValue != "" {
		fmt.Fprintf(b, " [%s .. %s]", f.MinValue, f.MaxValue)
	}
	if f.Role == models.RoleDimension && len(f.SampleValues) > 0 &&
		(f.DistinctCount == 0 || f.DistinctCount <= lowCardinalityMax) {
		values := f.SampleValues
		if len(values) > maxSampleValues {
			values = values[:maxSampleValues]
		}
		fmt.Fprintf(b, " values: %s", strings.Join(values, ", "))
		if f.DistinctCount > int64(len(values)) {
			fmt.Fprintf(b, " (+%d more)", f.DistinctCount-int64(len(values)))
		}
	}
	b.WriteByte('\n')
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
