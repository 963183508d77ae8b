package store

import (
	"context"
	"errors"

	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/tensor"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByModelType map[string]int `json:"count_by_model_type"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	AvgSteps         float64        `json:"avg_steps_completed"`
}

// Store defines the persistence operations for runs, their step events and
// their final latents.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	InsertStepEvent(ctx context.Context, ev *model.StepEvent) error
	GetStepEvents(ctx context.Context, runID string) ([]model.StepEvent, error)
	SaveLatents(ctx context.Context, name, runID string, t *tensor.Tensor) error
	LoadLatents(ctx context.Context, name string) (*tensor.Tensor, error)
	Close() error
}
