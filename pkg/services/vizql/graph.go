// Package vizql implements the per-question agent graph: schema enrichment,
// LLM query generation, deterministic rewrites, local validation, execution
// against VizQL Data Service, and summarization, under two independent
// retry budgets.
package vizql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/askviz/askviz-engine/pkg/apperrors"
	"github.com/askviz/askviz-engine/pkg/llm"
	"github.com/askviz/askviz-engine/pkg/metrics"
	"github.com/askviz/askviz-engine/pkg/models"
	"github.com/askviz/askviz-engine/pkg/prompts"
	"github.com/askviz/askviz-engine/pkg/retry"
	"github.com/askviz/askviz-engine/pkg/schema"
	"github.com/askviz/askviz-engine/pkg/tableau"
)

// EmitFunc receives stream chunks as the graph produces them. May be nil
// for callers that only want the final state.
type EmitFunc func(models.StreamChunk)

// Graph wires the agent nodes around their runtime resources. The Tableau
// and LLM clients live here, never in GraphState: state stays serializable.
type Graph struct {
	llm      llm.ChatClient
	client   tableau.DatasourceClient
	enricher *schema.Enricher
	cache    *QueryCache
	retryCfg *retry.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewGraph creates the agent graph. metrics may be nil.
func NewGraph(
	chatClient llm.ChatClient,
	client tableau.DatasourceClient,
	enricher *schema.Enricher,
	cache *QueryCache,
	retryCfg *retry.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Graph {
	return &Graph{
		llm:      chatClient,
		client:   client,
		enricher: enricher,
		cache:    cache,
		retryCfg: retryCfg,
		metrics:  m,
		logger:   logger.Named("vizql-graph"),
	}
}

// Run executes the graph for one question, emitting a reasoning chunk per
// node as it completes. On success the returned state carries the summary,
// the executed query and its result. On budget exhaustion the state carries
// the error handler's message and the error is an *apperrors.AgentError.
// Auth-expired and cancellation abort immediately without consuming budgets.
func (g *Graph) Run(ctx context.Context, st *models.GraphState, emit EmitFunc) (*models.GraphState, error) {
	if err := g.enrich(ctx, st, emit); err != nil {
		return st, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		issues, err := g.build(ctx, st, emit)
		if err != nil {
			return st, err
		}
		if issues == nil {
			g.prevalidate(st, emit)
			issues = g.validate(st, emit)
		}
		if len(issues) > 0 {
			if st.CanRetryBuild() {
				st.NoteValidationFailure(FormatIssues(issues))
				g.metrics.RecordBuildRetry()
				continue
			}
			return st, g.handleError(st, apperrors.CodeQueryValidationFailed, emit)
		}

		st.ValidatedQuery = st.DraftQuery
		execErr := g.execute(ctx, st, emit)
		if execErr == nil {
			break
		}
		if tableau.IsAuthExpired(execErr) || ctx.Err() != nil {
			return st, execErr
		}
		if st.CanRetryExecution() {
			// The query passed local validation, so the next round starts
			// with a fresh build budget and only the server's verdict as
			// feedback.
			st.NoteExecutionFailure(upstreamDetail(execErr))
			g.metrics.RecordExecRetry()
			continue
		}
		st.ExecutionError = upstreamDetail(execErr)
		return st, g.handleError(st, apperrors.CodeQueryExecutionFailed, emit)
	}

	if err := g.summarize(ctx, st, emit); err != nil {
		return st, err
	}
	return st, nil
}

// emitStep streams a recorded node step.
func (g *Graph) emitStep(emit EmitFunc, step models.ReasoningStep) {
	if emit != nil {
		emit(models.NewReasoningChunk(step))
	}
}

// enrich loads and enriches the datasource schema. A failure here is fatal:
// nothing downstream can work without a schema.
func (g *Graph) enrich(ctx context.Context, st *models.GraphState, emit EmitFunc) error {
	start := time.Now()
	enriched, err := g.enricher.Enrich(ctx, st.DatasourceID, st.DatasourceName)
	g.metrics.ObserveNode(models.NodeEnrichSchema, time.Since(start).Seconds())
	if err != nil {
		if tableau.IsAuthExpired(err) {
			return err
		}
		return apperrors.NewAgentError(apperrors.CodeSchemaEnrichmentFailed, models.NodeEnrichSchema,
			fmt.Sprintf("could not load the schema for datasource %s", st.DatasourceID), err)
	}

	st.Schema = enriched
	if st.DatasourceName == "" || enriched.DatasourceName != "" {
		st.DatasourceName = enriched.DatasourceName
	}
	g.emitStep(emit, st.AddStep(models.NodeEnrichSchema,
		fmt.Sprintf("Loaded %d fields from %s (%d measures, %d dimensions)",
			len(enriched.Fields), st.DatasourceName, len(enriched.Measures()), len(enriched.Dimensions()))))
	return nil
}

// build asks the LLM for a draft query. Parse failures and empty field
// lists are recoverable build issues returned for routing; provider
// failures are fatal.
func (g *Graph) build(ctx context.Context, st *models.GraphState, emit EmitFunc) ([]ValidationIssue, error) {
	start := time.Now()
	defer func() {
		g.metrics.ObserveNode(models.NodeBuildQuery, time.Since(start).Seconds())
	}()

	reuse := ShouldReusePrior(st.Question, st.PriorQuestion)
	feedback := st.ValidationError
	if st.ExecutionError != "" {
		if feedback != "" {
			feedback += "\n"
		}
		feedback += "Server rejected the query: " + st.ExecutionError
	}

	prompt := prompts.BuildQueryPrompt(prompts.BuildQueryInput{
		Context: schema.Compress(schema.CompressorInput{
			Schema:        st.Schema,
			History:       st.History,
			PriorQuestion: st.PriorQuestion,
			PriorQuery:    st.PriorQuery,
		}),
		Question:      st.Question,
		PriorDraft:    st.DraftQuery,
		Feedback:      feedback,
		ReusePrior:    reuse,
		PriorQuery:    st.PriorQuery,
		PriorQuestion: st.PriorQuestion,
	})

	resp, err := g.llm.Chat(ctx, &llm.ChatRequest{
		System: prompts.QueryBuilderSystem,
		Prompt: prompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewAgentError(apperrors.CodeLLMUnavailable, models.NodeBuildQuery,
			"the language model is unavailable", err)
	}
	g.metrics.RecordTokens(resp.PromptTokens, resp.CompletionTokens)

	draft, err := parseDraft(resp.Content)
	if err != nil {
		g.logger.Warn("draft parse failed",
			zap.Int("build_attempt", st.BuildAttempt),
			zap.Error(err))
		g.emitStep(emit, st.AddDraftStep(models.NodeBuildQuery,
			fmt.Sprintf("Attempt %d produced an unparsable draft", st.BuildAttempt), st.BuildAttempt, nil))
		return []ValidationIssue{{Message: err.Error()}}, nil
	}

	st.DraftQuery = draft
	summary := fmt.Sprintf("Drafted a query with %d fields and %d filters", len(draft.Fields), len(draft.Filters))
	if reuse {
		summary += " (building on the previous question)"
	}
	g.emitStep(emit, st.AddDraftStep(models.NodeBuildQuery, summary, st.BuildAttempt, draft))
	return nil, nil
}

// parseDraft extracts the first balanced JSON object from the completion
// and normalizes it into a VDSQuery. Models sometimes wrap the query in a
// {"query": ...} or full {"datasource": ..., "query": ...} envelope; both
// are accepted.
func parseDraft(content string) (*models.VDSQuery, error) {
	type envelope struct {
		Query   *models.VDSQuery     `json:"query"`
		Fields  []models.QueryField  `json:"fields"`
		Filters []models.QueryFilter `json:"filters"`
		Options *models.QueryOptions `json:"options"`
		Limit   int                  `json:"limit"`
	}

	env, err := llm.ParseJSONResponse[envelope](content)
	if err != nil {
		return nil, fmt.Errorf("response contained no valid JSON query: %w", err)
	}

	query := env.Query
	if query == nil {
		query = &models.VDSQuery{Fields: env.Fields, Filters: env.Filters, Options: env.Options, Limit: env.Limit}
	}
	if query.Options == nil {
		query.Options = &models.QueryOptions{ReturnFormat: models.ReturnFormatObjects}
	} else if query.Options.ReturnFormat == "" {
		query.Options.ReturnFormat = models.ReturnFormatObjects
	}
	if len(query.Fields) == 0 {
		return nil, fmt.Errorf("draft query has no fields")
	}
	return query, nil
}

// prevalidate applies the deterministic rewriter to the current draft.
func (g *Graph) prevalidate(st *models.GraphState, emit EmitFunc) {
	start := time.Now()
	changes := Rewrite(st.DraftQuery, st.Schema, st.Question)
	g.metrics.ObserveNode(models.NodePrevalidate, time.Since(start).Seconds())

	if len(changes) == 0 {
		return
	}
	g.emitStep(emit, st.AddDraftStep(models.NodePrevalidate,
		"Adjusted the draft: "+strings.Join(changes, "; "), st.BuildAttempt, st.DraftQuery))
}

// validate runs the pure validator and records its verdict.
func (g *Graph) validate(st *models.GraphState, emit EmitFunc) []ValidationIssue {
	start := time.Now()
	issues := Validate(st.DraftQuery, st.Schema)
	g.metrics.ObserveNode(models.NodeValidate, time.Since(start).Seconds())

	if len(issues) == 0 {
		g.emitStep(emit, st.AddStep(models.NodeValidate, "Query validated against the schema"))
		return nil
	}
	g.emitStep(emit, st.AddStep(models.NodeValidate,
		fmt.Sprintf("Validation found %d issue(s): %s", len(issues), FormatIssues(issues))))
	return issues
}

// execute runs the validated query through the fingerprint cache with
// bounded retries on transport and 5xx failures.
func (g *Graph) execute(ctx context.Context, st *models.GraphState, emit EmitFunc) error {
	start := time.Now()
	defer func() {
		g.metrics.ObserveNode(models.NodeExecute, time.Since(start).Seconds())
	}()

	query := st.ValidatedQuery
	fingerprint, err := Fingerprint(st.DatasourceID, query)
	if err != nil {
		return apperrors.NewAgentError(apperrors.CodeQueryExecutionFailed, models.NodeExecute,
			"could not fingerprint the query", err)
	}

	result, fromCache, err := g.cache.Execute(fingerprint, func() (*models.QueryResult, error) {
		return retry.DoIfRetryableWithResult(ctx, g.retryCfg, func() (*models.QueryResult, error) {
			return g.client.QueryDatasource(ctx, st.DatasourceID, query)
		})
	})
	g.metrics.RecordCache(fromCache)
	if err != nil {
		g.logger.Warn("query execution failed",
			zap.String("datasource_id", st.DatasourceID),
			zap.Int("execution_attempt", st.ExecutionAttempt),
			zap.Error(err))
		g.emitStep(emit, st.AddStep(models.NodeExecute,
			fmt.Sprintf("Execution attempt %d failed: %s", st.ExecutionAttempt, upstreamDetail(err))))
		return err
	}

	st.Result = result
	summary := fmt.Sprintf("Query returned %d rows", result.RowCount())
	if fromCache {
		summary += " (from a recent identical query)"
	}
	g.emitStep(emit, st.AddDraftStep(models.NodeExecute, summary, st.ExecutionAttempt, nil))
	return nil
}

// summarize turns the result into the final natural-language answer and
// extracts the entities the answer surfaced.
func (g *Graph) summarize(ctx context.Context, st *models.GraphState, emit EmitFunc) error {
	start := time.Now()
	defer func() {
		g.metrics.ObserveNode(models.NodeSummarize, time.Since(start).Seconds())
	}()

	resp, err := g.llm.Chat(ctx, &llm.ChatRequest{
		System: prompts.SummarizerSystem,
		Prompt: prompts.BuildSummarizePrompt(prompts.SummarizeInput{
			Question:  st.Question,
			Query:     st.ValidatedQuery,
			Result:    st.Result,
			FromCache: st.Result.FromCache,
		}),
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewAgentError(apperrors.CodeSummarizationFailed, models.NodeSummarize,
			"could not summarize the query result", err)
	}
	g.metrics.RecordTokens(resp.PromptTokens, resp.CompletionTokens)

	answer, contextJSON := prompts.SplitSummaryResponse(resp.Content)
	if answer == "" {
		return apperrors.NewAgentError(apperrors.CodeSummarizationFailed, models.NodeSummarize,
			"the summarizer returned an empty answer", nil)
	}

	st.Summary = answer
	st.ShownEntities = extractShownEntities(contextJSON, st)
	g.emitStep(emit, st.AddStep(models.NodeSummarize, "Composed the answer"))
	return nil
}

// extractShownEntities parses the summarizer's context block, accepting
// both a flat list and a per-dimension map. When parsing yields nothing and
// the result is small, the entities come straight from the data.
func extractShownEntities(contextJSON string, st *models.GraphState) []string {
	if contextJSON != "" {
		type flat struct {
			ShownEntities []string `json:"shown_entities"`
		}
		if parsed, err := llm.ParseJSONResponse[flat](contextJSON); err == nil && len(parsed.ShownEntities) > 0 {
			return capEntities(parsed.ShownEntities)
		}
		type nested struct {
			ShownEntities map[string][]string `json:"shown_entities"`
		}
		if parsed, err := llm.ParseJSONResponse[nested](contextJSON); err == nil && len(parsed.ShownEntities) > 0 {
			var out []string
			for _, values := range parsed.ShownEntities {
				out = append(out, values...)
			}
			return capEntities(out)
		}
	}

	if st.Result == nil || st.Result.RowCount() >= 100 || st.ValidatedQuery == nil {
		return nil
	}
	var out []string
	for i := range st.ValidatedQuery.Fields {
		f := &st.ValidatedQuery.Fields[i]
		if f.FieldCaption == "" || (f.Function != "" && aggregationFunctions[f.Function]) {
			continue
		}
		out = append(out, st.Result.DistinctValues(f.OutputName(), maxShownEntities)...)
	}
	return capEntities(out)
}

// maxShownEntities bounds the entities carried into follow-up turns.
const maxShownEntities = 20

func capEntities(entities []string) []string {
	if len(entities) > maxShownEntities {
		return entities[:maxShownEntities]
	}
	return entities
}

// handleError is the terminal node for exhausted budgets. It composes the
// user-facing failure, stores it as the state's summary, and returns the
// structured error the gateway streams.
func (g *Graph) handleError(st *models.GraphState, code string, emit EmitFunc) error {
	var b strings.Builder
	b.WriteString("I could not answer this question against ")
	b.WriteString(st.DatasourceName)
	b.WriteString(".")

	fmt.Fprintf(&b, " I tried %d build attempt(s) across %d execution round(s).", st.BuildAttempt, st.ExecutionAttempt)
	if st.ValidationError != "" {
		b.WriteString("\n\nLast validation problems:\n")
		b.WriteString(st.ValidationError)
	}
	if st.ExecutionError != "" {
		b.WriteString("\n\nThe server rejected the query with:\n")
		b.WriteString(st.ExecutionError)
	}
	b.WriteString("\n\nTry rephrasing the question or naming the fields you want explicitly.")

	message := b.String()
	st.Summary = message
	g.emitStep(emit, st.AddStep(models.NodeHandleError, message))

	node := models.NodeValidate
	if code == apperrors.CodeQueryExecutionFailed {
		node = models.NodeExecute
	}
	return apperrors.NewAgentError(code, node, message, nil)
}

// upstreamDetail extracts the most useful message from an execution error:
// the upstream verdict verbatim when there is one.
func upstreamDetail(err error) string {
	var te *tableau.Error
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return err.Error()
}
