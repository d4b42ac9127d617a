package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askviz/askviz-engine/pkg/apperrors"
	"github.com/askviz/askviz-engine/pkg/config"
)

func testAgents() []config.AgentDefinition {
	return []config.AgentDefinition{
		{Name: "sales", Description: "Revenue, orders and sales performance", DatasourceID: "ds-sales", DatasourceName: "Superstore Sales", MaxBuildAttempts: 3, MaxExecutionAttempts: 2},
		{Name: "hr", Description: "Headcount, attrition and hiring", DatasourceID: "ds-hr", DatasourceName: "People Analytics", MaxBuildAttempts: 3, MaxExecutionAttempts: 2},
		{Name: "support", Description: "Ticket volume and resolution times", DatasourceID: "ds-support", DatasourceName: "Support Desk", MaxBuildAttempts: 3, MaxExecutionAttempts: 2},
	}
}

func TestRegistry_GetAndList(t *testing.T) {
	r := NewAgentRegistry(testAgents())

	agent, err := r.Get("hr")
	require.NoError(t, err)
	assert.Equal(t, "ds-hr", agent.DatasourceID)

	_, err = r.Get("finance")
	require.Error(t, err)
	var ae *apperrors.AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperrors.CodeAgentNotFound, ae.Code)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "sales", list[0].Name, "listing preserves registration order")
	assert.Equal(t, 3, r.Len())
}

func TestRegistry_BestMatch(t *testing.T) {
	r := NewAgentRegistry(testAgents())

	tests := []struct {
		question string
		want     string
	}{
		{"how is attrition trending this quarter", "hr"},
		{"average ticket resolution time by priority", "support"},
		{"total revenue by region", "sales"},
		{"what is the meaning of life", "sales"}, // no overlap anywhere: first registered wins
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			assert.Equal(t, tt.want, r.BestMatch(tt.question).Name)
		})
	}
}

func TestRegistry_PlannerAgents(t *testing.T) {
	r := NewAgentRegistry(testAgents())

	agents := r.PlannerAgents()
	require.Len(t, agents, 3)
	assert.Equal(t, "sales", agents[0].Name)
	assert.Equal(t, "Superstore Sales", agents[0].Datasource)
}
