package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/unidenoise/internal/denoise"
	"github.com/seantiz/unidenoise/internal/model"
	"github.com/seantiz/unidenoise/internal/registry"
	"github.com/seantiz/unidenoise/internal/store"
	"github.com/seantiz/unidenoise/internal/synthetic"
)

// Defaults used when Options leaves a field unset.
const (
	DefaultTimeoutS      = 300
	DefaultMaxConcurrent = 2
	DefaultSteps         = 25
	DefaultGuidance      = 3.5
)

var (
	// ErrUnknownModel is returned when a request names a model that is not
	// in the catalog.
	ErrUnknownModel = errors.New("unknown model")

	// ErrRunFinished is returned when canceling a run that already ended.
	ErrRunFinished = errors.New("run already finished")

	errCanceledByUser = errors.New("canceled by request")
	errTimedOut       = errors.New("timed out")
)

// Options tunes the engine.
type Options struct {
	DefaultTimeoutS int
	MaxConcurrent   int
	DefaultSteps    int
	DefaultGuidance float64
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeoutS <= 0 {
		o.DefaultTimeoutS = DefaultTimeoutS
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.DefaultSteps <= 0 {
		o.DefaultSteps = DefaultSteps
	}
	if o.DefaultGuidance == 0 {
		o.DefaultGuidance = DefaultGuidance
	}
	return o
}

// Engine orchestrates run execution. Runs against the same model are
// serialized because they share the model's weights; total concurrency is
// bounded by Options.MaxConcurrent.
type Engine struct {
	store   store.Store
	regs    *denoise.Registries
	catalog *registry.Registry[*denoise.Model]
	logger  *slog.Logger
	opts    Options
	wg      sync.WaitGroup
	broker  *ProgressBroker
	slots   chan struct{}

	mu         sync.Mutex
	cancels    map[string]context.CancelCauseFunc
	modelLocks map[string]chan struct{}
}

// NewEngine creates a new execution engine.
func NewEngine(s store.Store, regs *denoise.Registries, catalog *registry.Registry[*denoise.Model], logger *slog.Logger, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store:      s,
		regs:       regs,
		catalog:    catalog,
		logger:     logger,
		opts:       opts,
		broker:     NewProgressBroker(),
		slots:      make(chan struct{}, opts.MaxConcurrent),
		cancels:    make(map[string]context.CancelCauseFunc),
		modelLocks: make(map[string]chan struct{}),
	}
}

// Broker returns the engine's progress broker for SSE subscription.
func (e *Engine) Broker() *ProgressBroker {
	return e.broker
}

// Registries returns the registries runs are composed from.
func (e *Engine) Registries() *denoise.Registries {
	return e.regs
}

// Catalog returns the model catalog.
func (e *Engine) Catalog() *registry.Registry[*denoise.Model] {
	return e.catalog
}

// job is a composed run waiting to execute.
type job struct {
	run     *model.Run
	rc      *denoise.RunContext
	model   *denoise.Model
	sink    *stepSink
	ctx     context.Context
	cancel  context.CancelCauseFunc
	timeout time.Duration
}

// prepare resolves the request into a composed run. Composition errors
// (unknown model, core or extension, bad kwargs) are returned here, before
// anything is persisted.
func (e *Engine) prepare(ctx context.Context, parent context.Context, req RunRequest) (*job, error) {
	req = req.withDefaults(e.opts)

	m, err := e.catalog.Resolve(req.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownModel, err)
	}

	inputs := &denoise.Inputs{
		Model:          m,
		Positive:       synthetic.Encode(req.Prompt),
		Guidance:       *req.Guidance,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Seed:           req.Seed,
		DenoisingStart: req.DenoisingStart,
		Extensions:     req.Extensions,
	}
	if req.NegativePrompt != "" {
		inputs.Negative = synthetic.Encode(req.NegativePrompt)
	}
	if req.Latents != "" {
		prior, err := e.store.LoadLatents(ctx, req.Latents)
		if errors.Is(err, store.ErrNotFound) {
			return nil, denoise.Validationf("latents %q not found", req.Latents)
		}
		if err != nil {
			return nil, fmt.Errorf("load latents: %w", err)
		}
		inputs.Latents = prior
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	run := &model.Run{
		ID:         model.NewID(),
		Status:     model.StatusPending,
		ModelName:  m.Name,
		ModelType:  m.Type,
		Steps:      req.Steps,
		Seed:       req.Seed,
		Width:      req.Width,
		Height:     req.Height,
		Extensions: req.extensionNames(),
		Request:    raw,
		TimeoutS:   req.TimeoutS,
		CreatedAt:  time.Now().UTC(),
	}

	runCtx, cancel := context.WithCancelCause(parent)
	canceled := func() bool { return runCtx.Err() != nil }
	sink := &stepSink{engine: e, runID: run.ID, modelType: m.Type}
	rc, err := e.regs.Prepare(inputs, canceled,
		denoise.WithLogger(e.logger.With("run_id", run.ID, "model", m.Name)),
		denoise.WithEvents(sink),
	)
	if err != nil {
		cancel(err)
		return nil, err
	}

	return &job{
		run:     run,
		rc:      rc,
		model:   m,
		sink:    sink,
		ctx:     runCtx,
		cancel:  cancel,
		timeout: time.Duration(*req.TimeoutS) * time.Second,
	}, nil
}

// Submit composes and persists a run, then executes it asynchronously.
// The returned record has status "pending".
func (e *Engine) Submit(ctx context.Context, req RunRequest) (*model.Run, error) {
	j, err := e.prepare(ctx, context.Background(), req)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateRun(ctx, j.run); err != nil {
		j.cancel(err)
		return nil, fmt.Errorf("create run: %w", err)
	}

	e.track(j)
	runCopy := *j.run
	e.wg.Go(func() {
		e.execute(j)
	})
	return &runCopy, nil
}

// Execute composes, persists and runs a request on the calling goroutine.
// Canceling ctx cancels the run; the final record is returned either way.
func (e *Engine) Execute(ctx context.Context, req RunRequest) (*model.Run, *denoise.Result, error) {
	j, err := e.prepare(ctx, ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := e.store.CreateRun(context.WithoutCancel(ctx), j.run); err != nil {
		j.cancel(err)
		return nil, nil, fmt.Errorf("create run: %w", err)
	}
	e.track(j)
	res, runErr := e.execute(j)

	final, err := e.store.GetRun(context.WithoutCancel(ctx), j.run.ID)
	if err != nil {
		return nil, res, fmt.Errorf("get run: %w", err)
	}
	return final, res, runErr
}

// Cancel requests cancellation of a live run. The run observes it at its
// next callback point and finishes as canceled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel(errCanceledByUser)
		return nil
	}

	r, err := e.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if model.IsTerminal(r.Status) {
		return ErrRunFinished
	}
	// Persisted but not tracked: the process restarted mid-run.
	return e.store.UpdateRunStatus(ctx, id, model.StatusCanceled)
}

// CancelAll requests cancellation of every live run, as on shutdown.
// It returns the number of runs signaled.
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.cancels {
		cancel(errCanceledByUser)
	}
	return len(e.cancels)
}

// Wait blocks until all in-flight run goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) track(j *job) {
	e.mu.Lock()
	e.cancels[j.run.ID] = j.cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.cancels, id)
	e.mu.Unlock()
}

func (e *Engine) modelLock(name string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.modelLocks[name]
	if !ok {
		l = make(chan struct{}, 1)
		e.modelLocks[name] = l
	}
	return l
}

// acquire takes a concurrency slot and the model lock, giving up if the
// run is canceled while queued.
func (e *Engine) acquire(j *job) (release func(), ok bool) {
	select {
	case e.slots <- struct{}{}:
	case <-j.ctx.Done():
		return nil, false
	}
	lock := e.modelLock(j.model.Name)
	select {
	case lock <- struct{}{}:
	case <-j.ctx.Done():
		<-e.slots
		return nil, false
	}
	return func() {
		<-lock
		<-e.slots
	}, true
}

// execute runs the lifecycle: pending → running → completed/canceled/failed.
func (e *Engine) execute(j *job) (*denoise.Result, error) {
	id := j.run.ID
	defer e.broker.Close(id)
	defer e.untrack(id)
	defer j.cancel(nil)

	release, ok := e.acquire(j)
	if !ok {
		e.logger.Info("run canceled while queued", "run_id", id)
		runsTotal.WithLabelValues(string(j.run.ModelType), string(denoise.Canceled)).Inc()
		if err := e.store.UpdateRunStatus(context.Background(), id, model.StatusCanceled); err != nil {
			e.logger.Error("failed to cancel queued run", "run_id", id, "error", err)
		}
		return &denoise.Result{Disposition: denoise.Canceled}, nil
	}
	defer release()

	if err := e.store.UpdateRunStatus(context.Background(), id, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "run_id", id, "error", err)
		e.finish(j, nil, time.Now(), fmt.Errorf("failed to start: %w", err))
		return nil, err
	}

	// Capture start time immediately after the running transition.
	start := time.Now()
	j.sink.last = start
	timer := time.AfterFunc(j.timeout, func() { j.cancel(errTimedOut) })
	defer timer.Stop()

	activeRuns.Inc()
	res, err := denoise.Run(j.rc)
	activeRuns.Dec()

	e.finish(j, res, start, err)
	return res, err
}

// finish persists the outcome and the final latents.
func (e *Engine) finish(j *job, res *denoise.Result, start time.Time, runErr error) {
	ctx := context.Background()
	r := *j.run
	now := time.Now().UTC()
	dur := int(time.Since(start).Milliseconds())
	startUTC := start.UTC()
	r.StartedAt = &startUTC
	r.FinishedAt = &now
	r.DurationMS = &dur

	disposition := denoise.Failed
	if res != nil {
		disposition = res.Disposition
		r.StepsCompleted = res.StepsCompleted
		restoredParameters.Add(float64(res.RestoredParameters))
		if res.Latents != nil {
			name := model.NewLatentsName(r.ID)
			if err := e.store.SaveLatents(ctx, name, r.ID, res.Latents); err != nil {
				e.logger.Error("failed to save latents", "run_id", r.ID, "error", err)
			} else {
				r.LatentsName = name
			}
		}
	}
	runsTotal.WithLabelValues(string(r.ModelType), string(disposition)).Inc()

	switch {
	case disposition == denoise.Completed:
		r.Status = model.StatusCompleted
	case disposition == denoise.Canceled && errors.Is(context.Cause(j.ctx), errTimedOut):
		r.Status = model.StatusFailed
		r.Error = fmt.Sprintf("run timed out after %s", j.timeout)
	case disposition == denoise.Canceled:
		r.Status = model.StatusCanceled
	default:
		r.Status = model.StatusFailed
		if runErr != nil {
			r.Error = runErr.Error()
		}
	}

	log := e.logger.With("run_id", r.ID, "status", r.Status, "steps_completed", r.StepsCompleted, "duration_ms", dur)
	if r.Status == model.StatusFailed {
		log.Warn("run finished", "error", r.Error)
	} else {
		log.Info("run finished")
	}

	if err := e.store.UpdateRun(ctx, &r); err != nil {
		e.logger.Error("failed to update finished run", "run_id", r.ID, "error", err)
	}
}

// stepSink persists step events, publishes them to the broker and records
// step timing. It runs on the run's goroutine.
type stepSink struct {
	engine    *Engine
	runID     string
	modelType model.BaseModelType
	last      time.Time
}

func (s *stepSink) PublishStep(ev denoise.StepEvent) {
	now := time.Now()
	stepDuration.WithLabelValues(string(s.modelType)).Observe(now.Sub(s.last).Seconds())
	s.last = now

	rec := model.StepEvent{
		RunID:      s.runID,
		StepIndex:  ev.StepIndex,
		Timestep:   ev.Timestep,
		Guidance:   ev.Guidance,
		LatentMean: ev.LatentMean,
		LatentStd:  ev.LatentStd,
		CreatedAt:  now.UTC(),
	}
	if err := s.engine.store.InsertStepEvent(context.Background(), &rec); err != nil {
		s.engine.logger.Error("failed to persist step event", "run_id", s.runID, "step", ev.StepIndex, "error", err)
	}
	s.engine.broker.Publish(s.runID, rec)
}
