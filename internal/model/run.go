package model

import (
	"encoding/json"
	"time"
)

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
	StatusFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:  true,
		StatusFailed:   true,
		StatusCanceled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final run status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCanceled || status == StatusFailed
}

// Run is the persisted record of one denoise invocation.
type Run struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	ModelName      string          `json:"model_name"`
	ModelType      BaseModelType   `json:"model_type"`
	Steps          int             `json:"steps"`
	Seed           int64           `json:"seed"`
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	Extensions     []string        `json:"extensions,omitempty"`
	Request        json.RawMessage `json:"request,omitempty"`
	LatentsName    string          `json:"latents_name,omitempty"`
	StepsCompleted int             `json:"steps_completed"`
	Error          string          `json:"error,omitempty"`
	TimeoutS       *int            `json:"timeout_s,omitempty"`
	DurationMS     *int            `json:"duration_ms,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// StepEvent is one persisted progress record of a run.
type StepEvent struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	StepIndex  int       `json:"step_index"`
	Timestep   float64   `json:"timestep"`
	Guidance   float64   `json:"guidance"`
	LatentMean float64   `json:"latent_mean"`
	LatentStd  float64   `json:"latent_std"`
	CreatedAt  time.Time `json:"created_at"`
}
