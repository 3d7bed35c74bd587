// Package queue implements the Task Queue Core: the dependency-aware,
// priority-scheduled state machine described by the task record, its
// edges, and the enqueue/dequeue/complete/fail/cancel lifecycle.
package queue

import "time"

// Status is one of the seven task lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is one that never transitions out.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Source tags who originated a task, feeding PriorityScorer's source term.
type Source string

const (
	SourceHuman               Source = "human"
	SourceAgentRequirements   Source = "agent_requirements"
	SourceAgentPlanner        Source = "agent_planner"
	SourceAgentImplementation Source = "agent_implementation"
)

func (s Source) Valid() bool {
	switch s {
	case SourceHuman, SourceAgentRequirements, SourceAgentPlanner, SourceAgentImplementation:
		return true
	default:
		return false
	}
}

// DependencyKind distinguishes sequential from parallel edges. Both are
// currently AND-join semantics (§9, open question); the column is kept
// for forward compatibility only.
type DependencyKind string

const (
	DependencySequential DependencyKind = "sequential"
	DependencyParallel   DependencyKind = "parallel"
)

func (k DependencyKind) Valid() bool {
	return k == DependencySequential || k == DependencyParallel
}

// Task is the persisted task record plus its computed scheduling fields.
type Task struct {
	ID                  string
	Description         string
	Summary             string
	AgentType           string
	BasePriority        float64
	CalculatedPriority   float64
	DependencyDepth      int
	Status               Status
	Source               Source
	ParentTaskID         string
	SessionID            string
	SubmittedAt          time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	UpdatedAt            time.Time
	Deadline             *time.Time
	EstimatedDurationSec *int64
	InputData            []byte // raw JSON object, may be nil
	Result               []byte // raw JSON, may be nil
	ErrorMessage         string
	RetryCount           int
	MaxRetries           int
	ExecutionTimeoutSec  int64
	PolicyVersion        int64
	LeaseOwner           string
	LeaseExpiresAt       *time.Time
}

// Edge is a prerequisite relationship: Dependent waits on Prerequisite.
type Edge struct {
	ID             string
	DependentID    string
	PrerequisiteID string
	Kind           DependencyKind
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// EnqueueInput is the validated input to QueueService.Enqueue.
type EnqueueInput struct {
	Description          string
	Source                Source
	Summary               string
	AgentType             string
	BasePriority          float64
	Prerequisites         []string
	ParentTaskID          string
	Deadline              *time.Time
	EstimatedDurationSec  *int64
	SessionID             string
	InputData             []byte
	MaxRetries            int
	ExecutionTimeoutSec   int64
}

// EnqueueResult is what Enqueue returns on success.
type EnqueueResult struct {
	TaskID             string
	Status             Status
	CalculatedPriority float64
	DependencyDepth    int
	SubmittedAt        time.Time
}

// CompleteResult reports which blocked dependents became ready.
type CompleteResult struct {
	NewlyReadyTaskIDs []string
}

// CascadeResult reports the ids affected by a fail/cancel cascade, self first.
type CascadeResult struct {
	PrimaryTaskID  string
	CascadedTaskIDs []string
}

// QueueStatus is the aggregate returned by QueueService.Status.
type QueueStatus struct {
	Total               int
	CountsByStatus       map[Status]int
	AverageCalculated    float64
	MaxDepth             int
	OldestNonTerminal    *time.Time
	NewestSubmittedAt    *time.Time
}

// ExecutionPlan is a layered topological sort of a task-id set.
type ExecutionPlan struct {
	Batches        [][]string
	TotalBatches   int
	MaxParallelism int
}

// ScoringWeights are the five PriorityScorer term weights; must sum to ~1.0.
type ScoringWeights struct {
	Base    float64
	Depth   float64
	Urgency float64
	Block   float64
	Source  float64
}

// DefaultScoringWeights matches §4.3's defaults.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{Base: 0.30, Depth: 0.25, Urgency: 0.25, Block: 0.15, Source: 0.05}
}
