// Package catalog provides the list of selectable agents.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/agentchat/internal/domain"
)

// Defaults returns the built-in agents. The first entry is selected on start.
func Defaults() []domain.AgentDescriptor {
	return []domain.AgentDescriptor{
		{ID: "weatherAgent", DisplayName: "Previsão do Tempo"},
		{ID: "clinicAgent", DisplayName: "Secretária de Clínica"},
	}
}

type file struct {
	Agents []domain.AgentDescriptor `yaml:"agents"`
}

// Load reads a YAML catalogue of the form
//
//	agents:
//	  - id: weatherAgent
//	    display_name: Previsão do Tempo
//
// An empty path returns Defaults.
func Load(path string) ([]domain.AgentDescriptor, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalogue.
func Parse(data []byte) ([]domain.AgentDescriptor, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	if err := Validate(f.Agents); err != nil {
		return nil, err
	}
	return f.Agents, nil
}

// Validate checks that agents is non-empty with unique, non-blank ids.
// A blank display name falls back to the id.
func Validate(agents []domain.AgentDescriptor) error {
	if len(agents) == 0 {
		return errors.New("agent catalogue is empty")
	}
	seen := make(map[string]struct{}, len(agents))
	for i := range agents {
		a := &agents[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return fmt.Errorf("agent %d has no id", i)
		}
		if strings.ContainsAny(a.ID, "/?#") {
			return fmt.Errorf("agent id %q contains reserved characters", a.ID)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		if strings.TrimSpace(a.DisplayName) == "" {
			a.DisplayName = a.ID
		}
	}
	return nil
}

// Find returns the agent with id.
func Find(agents []domain.AgentDescriptor, id string) (domain.AgentDescriptor, bool) {
	for _, a := range agents {
		if a.ID == id {
			return a, true
		}
	}
	return domain.AgentDescriptor{}, false
}
