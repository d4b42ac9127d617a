package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/askviz/askviz-engine/pkg/apperrors"
	"github.com/askviz/askviz-engine/pkg/llm"
	"github.com/askviz/askviz-engine/pkg/metrics"
	"github.com/askviz/askviz-engine/pkg/models"
	"github.com/askviz/askviz-engine/pkg/prompts"
	"github.com/askviz/askviz-engine/pkg/services/vizql"
)

// QueryRunner runs one question through the agent graph. *vizql.Graph is the
// production implementation.
type QueryRunner interface {
	Run(ctx context.Context, st *models.GraphState, emit vizql.EmitFunc) (*models.GraphState, error)
}

var _ QueryRunner = (*vizql.Graph)(nil)

// OrchestratorResult is the fused outcome of a planned question.
type OrchestratorResult struct {
	Answer  string
	Plan    *models.MultiAgentPlan
	Results []models.TaskResult
}

// Orchestrator decomposes a question into per-agent tasks, runs them in
// dependency order, and fuses the answers.
type Orchestrator struct {
	registry       *AgentRegistry
	llm            llm.ChatClient
	runner         QueryRunner
	maxParallelism int
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

// NewOrchestrator creates an orchestrator. metrics may be nil.
func NewOrchestrator(registry *AgentRegistry, chatClient llm.ChatClient, runner QueryRunner,
	maxParallelism int, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if maxParallelism < 1 {
		maxParallelism = 1
	}
	return &Orchestrator{
		registry:       registry,
		llm:            chatClient,
		runner:         runner,
		maxParallelism: maxParallelism,
		metrics:        m,
		logger:         logger.Named("orchestrator"),
	}
}

// Answer plans and executes the question across the registered agents.
// history is the conversation so far, passed to every task. A single-task
// plan returns that task's answer verbatim; multi-task plans fuse with
// per-agent headers in plan order.
func (o *Orchestrator) Answer(ctx context.Context, question string, history []models.ChatMessage,
	emit vizql.EmitFunc) (*OrchestratorResult, error) {

	emitChunk(emit, models.NewProgressChunk("planning", "", "Planning how to answer across agents"))

	plan := o.plan(ctx, question)
	if len(plan.Tasks) > 1 {
		emitChunk(emit, models.NewProgressChunk("planned", "",
			fmt.Sprintf("Split into %d tasks across agents", len(plan.Tasks))))
	}

	results, errs, err := o.execute(ctx, plan, history, emit)
	if err != nil {
		return nil, err
	}

	res := &OrchestratorResult{
		Answer:  fuseAnswers(results),
		Plan:    plan,
		Results: results,
	}

	// A plan where nothing succeeded propagates the real failure so the
	// gateway can map it (auth expiry in particular). Partial success is
	// success: the fused answer carries the failure notes.
	if !anySucceeded(results) {
		for _, t := range plan.Tasks {
			if taskErr := errs[t.ID]; taskErr != nil {
				return res, taskErr
			}
		}
		return res, apperrors.NewAgentError(apperrors.CodePlanningFailed, "",
			"no task produced an answer", nil)
	}
	return res, nil
}

func anySucceeded(results []models.TaskResult) bool {
	for _, r := range results {
		if r.Status == models.TaskSucceeded {
			return true
		}
	}
	return false
}

// plan asks the model for a task decomposition and falls back to a single
// best-matching task when the plan is unusable.
func (o *Orchestrator) plan(ctx context.Context, question string) *models.MultiAgentPlan {
	resp, err := o.llm.Chat(ctx, &llm.ChatRequest{
		System: prompts.PlannerSystem,
		Prompt: prompts.BuildPlanPrompt(o.registry.PlannerAgents(), question),
	})
	if err != nil {
		o.logger.Warn("planner call failed, falling back to best-match agent", zap.Error(err))
		return o.fallbackPlan(question)
	}

	parsed, err := llm.ParseJSONResponse[models.MultiAgentPlan](resp.Content)
	if err != nil {
		o.logger.Warn("planner returned an unparsable plan", zap.Error(err))
		return o.fallbackPlan(question)
	}
	plan := &parsed
	if err := o.checkPlan(plan); err != nil {
		o.logger.Warn("planner returned an invalid plan", zap.Error(err))
		return o.fallbackPlan(question)
	}

	if hasCycle(plan.Tasks) {
		o.logger.Warn("plan has a dependency cycle, linearizing",
			zap.Int("tasks", len(plan.Tasks)))
		linearize(plan)
	}
	return plan
}

// fallbackPlan wraps the whole question in one task against the agent whose
// description overlaps it the most.
func (o *Orchestrator) fallbackPlan(question string) *models.MultiAgentPlan {
	agent := o.registry.BestMatch(question)
	return &models.MultiAgentPlan{
		Tasks: []models.PlannedTask{{ID: "t1", Agent: agent.Name, Question: question}},
	}
}

// checkPlan rejects empty plans, unknown agents, duplicate ids, and
// dependencies on ids the plan never defines.
func (o *Orchestrator) checkPlan(plan *models.MultiAgentPlan) error {
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("plan lists no tasks")
	}

	ids := make(map[string]bool, len(plan.Tasks))
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if t.ID == "" {
			t.ID = fmt.Sprintf("t%d", i+1)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = true

		if _, err := o.registry.Get(t.Agent); err != nil {
			return fmt.Errorf("task %s names unknown agent %q", t.ID, t.Agent)
		}
		if strings.TrimSpace(t.Question) == "" {
			return fmt.Errorf("task %s has no question", t.ID)
		}
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("task %s depends on unknown task %q", t.ID, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("task %s depends on itself", t.ID)
			}
		}
	}
	return nil
}

// hasCycle runs Kahn's algorithm over the task dependencies.
func hasCycle(tasks []models.PlannedTask) bool {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] += 0
		for _, dep := range t.DependsOn {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited != len(tasks)
}

// linearize rewrites a cyclic plan into a sequential chain in plan order.
// The request still runs; it just loses its parallelism.
func linearize(plan *models.MultiAgentPlan) {
	for i := range plan.Tasks {
		if i == 0 {
			plan.Tasks[i].DependsOn = nil
			continue
		}
		plan.Tasks[i].DependsOn = []string{plan.Tasks[i-1].ID}
	}
	plan.Linearized = true
}

// waves groups tasks into dependency levels: wave n holds every task whose
// dependencies all sit in earlier waves. The plan must be acyclic.
func waves(tasks []models.PlannedTask) [][]models.PlannedTask {
	placed := make(map[string]bool, len(tasks))
	remaining := append([]models.PlannedTask(nil), tasks...)

	var out [][]models.PlannedTask
	for len(remaining) > 0 {
		var wave []models.PlannedTask
		var rest []models.PlannedTask
		for _, t := range remaining {
			ready := true
			for _, dep := range t.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			} else {
				rest = append(rest, t)
			}
		}
		for _, t := range wave {
			placed[t.ID] = true
		}
		out = append(out, wave)
		remaining = rest
	}
	return out
}

// execute runs the plan wave by wave. Within a wave tasks run concurrently,
// bounded by maxParallelism; a failing task records its error and never
// cancels siblings. Tasks downstream of a failure are skipped with a note.
func (o *Orchestrator) execute(ctx context.Context, plan *models.MultiAgentPlan,
	history []models.ChatMessage, emit vizql.EmitFunc) ([]models.TaskResult, map[string]error, error) {

	byID := make(map[string]*models.TaskResult, len(plan.Tasks))
	errs := make(map[string]error)
	var mu sync.Mutex

	for _, wave := range waves(plan.Tasks) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		g := new(errgroup.Group)
		g.SetLimit(o.maxParallelism)

		for _, task := range wave {
			task := task

			// Dependencies all finished in earlier waves; no lock needed
			// until the wave's goroutines start.
			if skip := o.skipReason(task, byID); skip != "" {
				byID[task.ID] = &models.TaskResult{
					TaskID: task.ID, Agent: task.Agent, Question: task.Question,
					Status: models.TaskSkipped, Error: skip,
				}
				o.metrics.RecordTask(string(models.TaskSkipped))
				emitChunk(emit, models.NewProgressChunk("task_skipped", task.Agent, skip))
				continue
			}

			g.Go(func() error {
				result, runErr := o.runTask(ctx, task, history, byID, &mu, emit)
				mu.Lock()
				byID[task.ID] = result
				if runErr != nil {
					errs[task.ID] = runErr
				}
				mu.Unlock()
				o.metrics.RecordTask(string(result.Status))
				// The error stays in the result. Returning it would cancel
				// the wave's siblings.
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
	}

	out := make([]models.TaskResult, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if r, ok := byID[t.ID]; ok {
			out = append(out, *r)
		}
	}
	return out, errs, nil
}

// skipReason returns a human-readable note when any dependency failed or
// was itself skipped. Empty means the task can run.
func (o *Orchestrator) skipReason(task models.PlannedTask, byID map[string]*models.TaskResult) string {
	for _, dep := range task.DependsOn {
		r, ok := byID[dep]
		if !ok {
			continue
		}
		switch r.Status {
		case models.TaskFailed:
			return fmt.Sprintf("skipped: depends on %s (%s), which failed", dep, r.Agent)
		case models.TaskSkipped:
			return fmt.Sprintf("skipped: depends on %s (%s), which was skipped", dep, r.Agent)
		}
	}
	return ""
}

// runTask runs one task through the graph, prepending upstream findings to
// its question. Task reasoning streams as progress so the client can show
// which agent is thinking.
func (o *Orchestrator) runTask(ctx context.Context, task models.PlannedTask,
	history []models.ChatMessage, byID map[string]*models.TaskResult,
	mu *sync.Mutex, emit vizql.EmitFunc) (*models.TaskResult, error) {

	start := time.Now()
	result := &models.TaskResult{TaskID: task.ID, Agent: task.Agent, Question: task.Question}

	agent, err := o.registry.Get(task.Agent)
	if err != nil {
		result.Status = models.TaskFailed
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		return result, err
	}

	// Dependencies finished in earlier waves, but siblings write the map
	// concurrently.
	mu.Lock()
	findings := make(map[string]string, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if r, ok := byID[dep]; ok && r.Status == models.TaskSucceeded {
			findings[dep] = r.Answer
		}
	}
	mu.Unlock()
	question := prompts.BuildUpstreamFindings(task.Question, findings, task.DependsOn)

	emitChunk(emit, models.NewProgressChunk("task_started", task.Agent, task.Question))

	st := models.NewGraphState(agent.Name, agent.DatasourceID, agent.DatasourceName,
		question, agent.MaxBuildAttempts, agent.MaxExecutionAttempts)
	st.History = history

	taskEmit := func(chunk models.StreamChunk) {
		if step, ok := chunk.Data.(models.ReasoningStep); ok {
			emitChunk(emit, models.NewProgressChunk("task_reasoning", task.Agent, step.Summary))
			return
		}
		emitChunk(emit, chunk)
	}

	st, runErr := o.runner.Run(ctx, st, taskEmit)
	result.Elapsed = time.Since(start)
	if runErr != nil {
		o.logger.Warn("task failed",
			zap.String("task", task.ID),
			zap.String("agent", task.Agent),
			zap.Error(runErr))
		result.Status = models.TaskFailed
		result.Error = runErr.Error()
		if st != nil && st.Summary != "" {
			result.Answer = st.Summary
		}
		return result, runErr
	}

	result.Status = models.TaskSucceeded
	result.Answer = st.Summary
	result.Metadata = taskMetadata(st)
	emitChunk(emit, models.NewProgressChunk("task_done", task.Agent, ""))
	return result, nil
}

func taskMetadata(st *models.GraphState) *models.QueryMetadata {
	meta := &models.QueryMetadata{
		AgentName:      st.AgentName,
		DatasourceID:   st.DatasourceID,
		DatasourceName: st.DatasourceName,
		Query:          st.ValidatedQuery,
		BuildAttempts:  st.BuildAttempt,
		ExecAttempts:   st.ExecutionAttempt,
	}
	if st.Result != nil {
		meta.RowCount = st.Result.RowCount()
		meta.FromCache = st.Result.FromCache
	}
	return meta
}

// fuseAnswers assembles the final answer. One task answers verbatim;
// several fuse under per-agent headers in plan order, error and skip notes
// included so the user sees what part of the question went unanswered.
func fuseAnswers(results []models.TaskResult) string {
	if len(results) == 1 {
		return results[0].Answer
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n\n", r.Agent)
		switch r.Status {
		case models.TaskSucceeded:
			b.WriteString(r.Answer)
		case models.TaskSkipped:
			b.WriteString("_" + r.Error + "_")
		default:
			if r.Answer != "" {
				b.WriteString(r.Answer)
			} else {
				b.WriteString("_This part of the question could not be answered: " + r.Error + "_")
			}
		}
	}
	return b.String()
}

func emitChunk(emit vizql.EmitFunc, chunk models.StreamChunk) {
	if emit != nil {
		emit(chunk)
	}
}
