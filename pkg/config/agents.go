package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentDefinition describes one configured agent: a named entry point bound
// to a single published datasource, with optional per-agent retry budgets.
type AgentDefinition struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	DatasourceID   string `yaml:"datasource_id"`
	DatasourceName string `yaml:"datasource_name"`

	// Zero means "use the engine default".
	MaxBuildAttempts     int `yaml:"max_build_attempts"`
	MaxExecutionAttempts int `yaml:"max_execution_attempts"`
}

type agentsFile struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// LoadAgentDefinitions reads the agent definitions YAML file and fills
// per-agent budget defaults from defaults. Duplicate names and missing
// datasources are rejected at load time so they fail at startup, not on the
// first question.
func LoadAgentDefinitions(path string, defaults AgentsConfig) ([]AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent definitions: %w", err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent definitions: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("agent definitions file %s lists no agents", path)
	}

	seen := make(map[string]bool, len(file.Agents))
	for i := range file.Agents {
		a := &file.Agents[i]
		if a.Name == "" {
			return nil, fmt.Errorf("agent at index %d has no name", i)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true

		if a.DatasourceID == "" {
			return nil, fmt.Errorf("agent %q has no datasource_id", a.Name)
		}
		if a.DatasourceName == "" {
			a.DatasourceName = a.Name
		}
		if a.MaxBuildAttempts <= 0 {
			a.MaxBuildAttempts = defaults.MaxBuildAttempts
		}
		if a.MaxExecutionAttempts <= 0 {
			a.MaxExecutionAttempts = defaults.MaxExecutionAttempts
		}
	}

	return file.Agents, nil
}
