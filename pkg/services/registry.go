package services

import (
	"sort"
	"strings"
	"unicode"

	"github.com/askviz/askviz-engine/pkg/apperrors"
	"github.com/askviz/askviz-engine/pkg/config"
	"github.com/askviz/askviz-engine/pkg/prompts"
)

// AgentRegistry holds the configured agents by name. Registration happens
// once at startup from the agent definitions file; lookups are read-only
// afterwards, so no locking.
type AgentRegistry struct {
	agents map[string]config.AgentDefinition
	order  []string
}

// NewAgentRegistry builds a registry from the loaded definitions,
// preserving file order for listings and tie-breaking.
func NewAgentRegistry(defs []config.AgentDefinition) *AgentRegistry {
	r := &AgentRegistry{
		agents: make(map[string]config.AgentDefinition, len(defs)),
		order:  make([]string, 0, len(defs)),
	}
	for _, d := range defs {
		r.agents[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r
}

// Get returns the agent by exact name.
func (r *AgentRegistry) Get(name string) (config.AgentDefinition, error) {
	if a, ok := r.agents[name]; ok {
		return a, nil
	}
	return config.AgentDefinition{}, apperrors.NewAgentError(
		apperrors.CodeAgentNotFound, "", "no agent named "+name, nil)
}

// List returns all agents in registration order.
func (r *AgentRegistry) List() []config.AgentDefinition {
	out := make([]config.AgentDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int { return len(r.order) }

// PlannerAgents returns the registry in the shape the planning prompt wants.
func (r *AgentRegistry) PlannerAgents() []prompts.PlannerAgent {
	out := make([]prompts.PlannerAgent, 0, len(r.order))
	for _, name := range r.order {
		a := r.agents[name]
		out = append(out, prompts.PlannerAgent{
			Name:        a.Name,
			Description: a.Description,
			Datasource:  a.DatasourceName,
		})
	}
	return out
}

// BestMatch picks the agent whose name and description overlap the question
// the most. Ties, including a zero score everywhere, go to the first
// registered agent. The registry must not be empty.
func (r *AgentRegistry) BestMatch(question string) config.AgentDefinition {
	questionTokens := tokenSet(question)

	best := r.order[0]
	bestScore := -1
	for _, name := range r.order {
		a := r.agents[name]
		score := overlap(questionTokens, tokenSet(a.Name+" "+a.Description+" "+a.DatasourceName))
		if score > bestScore {
			best = name
			bestScore = score
		}
	}
	return r.agents[best]
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(tok) > 2 {
			out[tok] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for tok := range a {
		if b[tok] {
			n++
		}
	}
	return n
}

// Names returns the sorted agent names, for error messages.
func (r *AgentRegistry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}
