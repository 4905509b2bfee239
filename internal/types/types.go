package types

import (
	"fmt"
	"strings"
	"time"
)

// Task is the smallest unit of executable work. Exactly one Milestone owns
// each task, and tasks within a milestone run in declaration order.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	TestPlan    string     `json:"test_plan,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks if the task has valid field values
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("task name is required")
	}
	if len(t.Name) > 500 {
		return fmt.Errorf("task name must be 500 characters or less (got %d)", len(t.Name))
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid task status: %s", t.Status)
	}
	return nil
}

// TaskStatus represents the execution state of a task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
)

// IsValid checks if the status value is valid
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskComplete, TaskFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the task will not be worked on again without an
// explicit reset.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskComplete || s == TaskFailed
}

// Milestone groups related tasks. A milestone is only marked complete after
// its completion review is approved, which makes it skippable on resume.
type Milestone struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Tasks              []Task          `json:"tasks"`
	Status             MilestoneStatus `json:"status"`
	CompletionApproved bool            `json:"completion_approved"`
	Error              string          `json:"error,omitempty"`
}

// Validate checks if the milestone has valid field values
func (m *Milestone) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("milestone name is required")
	}
	if !m.Status.IsValid() {
		return fmt.Errorf("invalid milestone status: %s", m.Status)
	}
	for i := range m.Tasks {
		if err := m.Tasks[i].Validate(); err != nil {
			return fmt.Errorf("task %d (%s): %w", i, m.Tasks[i].ID, err)
		}
	}
	return nil
}

// IsDone reports whether this milestone can be skipped on resume. Both the
// status and the completion approval must hold; status alone is not enough
// because a crash can land between task completion and the completion review.
func (m *Milestone) IsDone() bool {
	return m.Status == MilestoneComplete && m.CompletionApproved
}

// FailedTasks returns the tasks that exhausted their retries
func (m *Milestone) FailedTasks() []Task {
	var failed []Task
	for _, t := range m.Tasks {
		if t.Status == TaskFailed {
			failed = append(failed, t)
		}
	}
	return failed
}

// MilestoneStatus represents the execution state of a milestone
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in-progress"
	MilestoneComplete   MilestoneStatus = "complete"
	MilestoneFailed     MilestoneStatus = "failed"
)

// IsValid checks if the status value is valid
func (s MilestoneStatus) IsValid() bool {
	switch s {
	case MilestonePending, MilestoneInProgress, MilestoneComplete, MilestoneFailed:
		return true
	}
	return false
}

// Phase represents the top-level lifecycle phase of a project
type Phase string

const (
	PhasePlan      Phase = "plan"
	PhaseExecution Phase = "execution"
	PhaseComplete  Phase = "complete"
)

// IsValid checks if the phase value is valid
func (p Phase) IsValid() bool {
	switch p {
	case PhasePlan, PhaseExecution, PhaseComplete:
		return true
	}
	return false
}

// ProjectStatus represents the run state of a project
type ProjectStatus string

const (
	StatusInProgress ProjectStatus = "in-progress"
	StatusPaused     ProjectStatus = "paused"
	StatusFailed     ProjectStatus = "failed"
	StatusComplete   ProjectStatus = "complete"
)

// IsValid checks if the status value is valid
func (s ProjectStatus) IsValid() bool {
	switch s {
	case StatusInProgress, StatusPaused, StatusFailed, StatusComplete:
		return true
	}
	return false
}

// ProjectState is the top-level aggregate persisted after every meaningful
// transition. The pair (phase=complete, status=complete) is the authoritative
// "genuinely done" signal and must only be set by MarkComplete — every other
// mutation path leaves at least one of the two short of complete.
type ProjectState struct {
	Name             string        `json:"name"`
	Description      string        `json:"description"`
	Language         string        `json:"language,omitempty"`
	Phase            Phase         `json:"phase"`
	Status           ProjectStatus `json:"status"`
	Milestones       []Milestone   `json:"milestones"`
	CurrentMilestone string        `json:"current_milestone,omitempty"`
	CurrentTask      string        `json:"current_task,omitempty"`
	Error            string        `json:"error,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Validate checks the aggregate for internally consistent field values,
// including the completion invariant.
func (p *ProjectState) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("project name is required")
	}
	if !p.Phase.IsValid() {
		return fmt.Errorf("invalid phase: %s", p.Phase)
	}
	if !p.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", p.Status)
	}
	if (p.Phase == PhaseComplete) != (p.Status == StatusComplete) {
		return fmt.Errorf("completion invariant violated: phase=%s status=%s", p.Phase, p.Status)
	}
	for i := range p.Milestones {
		if err := p.Milestones[i].Validate(); err != nil {
			return fmt.Errorf("milestone %d (%s): %w", i, p.Milestones[i].ID, err)
		}
	}
	return nil
}

// IsComplete reports whether the project reached the genuine terminal state
func (p *ProjectState) IsComplete() bool {
	return p.Phase == PhaseComplete && p.Status == StatusComplete
}

// MarkComplete is the single code path allowed to set both completion fields.
// Callers reach it only after build, test, and quality verification all pass.
func (p *ProjectState) MarkComplete() {
	p.Phase = PhaseComplete
	p.Status = StatusComplete
	p.Error = ""
	p.CurrentMilestone = ""
	p.CurrentTask = ""
	p.UpdatedAt = time.Now()
}

// MarkFailed records a failure without touching the phase, so the project
// stays resumable from its last persisted position.
func (p *ProjectState) MarkFailed(reason string) {
	p.Status = StatusFailed
	p.Error = reason
	p.UpdatedAt = time.Now()
}

// MarkPaused records a rate-limit pause. Not a failure: an external resume
// picks up from the current milestone/task pointers.
func (p *ProjectState) MarkPaused() {
	p.Status = StatusPaused
	p.UpdatedAt = time.Now()
}

// Milestone returns the milestone with the given ID, or nil
func (p *ProjectState) Milestone(id string) *Milestone {
	for i := range p.Milestones {
		if p.Milestones[i].ID == id {
			return &p.Milestones[i]
		}
	}
	return nil
}

// CompletedTaskSummaries returns one line per completed task across all
// milestones, used to give the generation backend prior-work context.
func (p *ProjectState) CompletedTaskSummaries() []string {
	var summaries []string
	for _, m := range p.Milestones {
		for _, t := range m.Tasks {
			if t.Status == TaskComplete {
				summaries = append(summaries, fmt.Sprintf("[%s] %s: %s", m.Name, t.Name, t.Description))
			}
		}
	}
	return summaries
}
