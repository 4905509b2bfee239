package types

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ProjectSpec is the user-authored description of what to build (forge.yaml).
// It is the input to a run; ProjectState is the executable form derived
// from it.
type ProjectSpec struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Language    string          `yaml:"language,omitempty"`
	Milestones  []MilestoneSpec `yaml:"milestones"`
}

// MilestoneSpec describes one milestone in the project spec
type MilestoneSpec struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Tasks       []TaskSpec `yaml:"tasks"`
}

// TaskSpec describes one task in the project spec
type TaskSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	TestPlan    string `yaml:"test_plan,omitempty"`
}

// LoadProjectSpec reads and validates a forge.yaml project spec
func LoadProjectSpec(path string) (*ProjectSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read project spec: %w", err)
	}

	var spec ProjectSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse project spec: %w", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the spec for required fields
func (s *ProjectSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("project spec: name is required")
	}
	if len(s.Milestones) == 0 {
		return fmt.Errorf("project spec: at least one milestone is required")
	}
	for i, m := range s.Milestones {
		if m.Name == "" {
			return fmt.Errorf("project spec: milestone %d has no name", i)
		}
		if len(m.Tasks) == 0 {
			return fmt.Errorf("project spec: milestone %q has no tasks", m.Name)
		}
		for j, t := range m.Tasks {
			if t.Name == "" {
				return fmt.Errorf("project spec: milestone %q task %d has no name", m.Name, j)
			}
		}
	}
	return nil
}

// NewProjectState builds the initial executable state from a spec. Every
// milestone and task gets a stable UUID so resume can address them after
// the spec file changes on disk.
func NewProjectState(spec *ProjectSpec) *ProjectState {
	now := time.Now()
	state := &ProjectState{
		Name:        spec.Name,
		Description: spec.Description,
		Language:    spec.Language,
		Phase:       PhasePlan,
		Status:      StatusInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, ms := range spec.Milestones {
		milestone := Milestone{
			ID:          uuid.New().String(),
			Name:        ms.Name,
			Description: ms.Description,
			Status:      MilestonePending,
		}
		for _, ts := range ms.Tasks {
			milestone.Tasks = append(milestone.Tasks, Task{
				ID:          uuid.New().String(),
				Name:        ts.Name,
				Description: ts.Description,
				TestPlan:    ts.TestPlan,
				Status:      TaskPending,
			})
		}
		state.Milestones = append(state.Milestones, milestone)
	}

	return state
}
