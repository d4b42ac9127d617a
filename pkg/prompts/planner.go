package prompts

import (
	"fmt"
	"strings"
)

// PlannerAgent describes one registered agent for the planning prompt.
type PlannerAgent struct {
	Name        string
	Description string
	Datasource  string
}

// PlannerSystem is the system prompt for multi-agent planning.
const PlannerSystem = `You are a query planner for a team of data agents. Each agent answers questions against one datasource. Decompose the user's question into tasks for these agents.

Rules:
- Respond with ONE JSON object and nothing else.
- Use the fewest tasks that answer the question. A question one agent can answer alone becomes a single task.
- A task that needs another task's findings lists that task's id in "depends_on".
- Only use agent names from the AGENTS section.

The JSON shape is:
{"tasks":[{"id":"t1","agent":"...","question":"...","depends_on":[]}],"rationale":"..."}`

// BuildPlanPrompt creates the planning prompt listing the available agents.
func BuildPlanPrompt(agents []PlannerAgent, question string) string {
	var b strings.Builder

	b.WriteString("## AGENTS\n")
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s: %s (datasource: %s)\n", a.Name, a.Description, a.Datasource)
	}

	b.WriteString("\n## QUESTION\n")
	b.WriteString(question)
	b.WriteString("\n\nReturn the JSON plan now.")
	return b.String()
}

// BuildUpstreamFindings prepends completed dependency answers to a dependent
// task's question.
func BuildUpstreamFindings(question string, findings map[string]string, order []string) string {
	if len(findings) == 0 {
		return question
	}

	var b strings.Builder
	b.WriteString("Findings from earlier steps:\n")
	for _, id := range order {
		answer, ok := findings[id]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", id, answer)
	}
	b.WriteString("\n")
	b.WriteString(question)
	return b.String()
}
