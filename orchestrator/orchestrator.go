package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/taskmesh/coordinator"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/eventbus"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/observability"
	"github.com/hupe1980/taskmesh/predict"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/sharedctx"
	"github.com/hupe1980/taskmesh/store"
)

// AgentSelector resolves agents for a task and receives their outcomes.
// *registry.Registry satisfies it.
type AgentSelector interface {
	Select(taskType string, required []string, hint []string) ([]core.AgentDefinition, error)
	Defaults(taskType string) []string
	RecordOutcome(agentID string, success bool, latency time.Duration)
}

var _ AgentSelector = (*registry.Registry)(nil)

// Predictor estimates task outcomes. *predict.Engine satisfies it.
type Predictor interface {
	Predict(ctx context.Context, req predict.Request) core.Prediction
	RetrainAsync(window int) bool
}

var _ Predictor = (*predict.Engine)(nil)

// Options configures an Orchestrator.
type Options struct {
	// Registry resolves agents; defaults to the built-in catalog.
	Registry AgentSelector
	// Predictor defaults to a predict.Engine trained from Records when
	// Records is also a core.RecordSource.
	Predictor Predictor
	// Tasks is the persistent task store; defaults to an in-memory store.
	Tasks core.TaskStore
	// Records receives one execution record per finished task; defaults to
	// an in-memory record store.
	Records core.RecordSink
	// Cache optionally holds task snapshots for GetStatus.
	Cache    core.Cache
	CacheTTL time.Duration
	// Context is the shared context store handed to the coordinator.
	Context core.ContextStore
	// Bus carries task events; New creates one when nil and closes it on
	// Close.
	Bus *eventbus.Bus
	// ContextTTL is applied to shared context writes.
	ContextTTL time.Duration
	// RetrainEvery triggers a background retrain after this many records.
	RetrainEvery int
	// RetrainWindow is the number of recent records a retrain reads.
	RetrainWindow int
	// DefaultTimeout applies to tasks without their own timeout; zero means
	// no timeout.
	DefaultTimeout time.Duration
	// MaxInFlight bounds concurrent agent invocations per task unless the
	// descriptor sets its own bound.
	MaxInFlight int
	Clock       func() time.Time
	Logger      logging.Logger
	Metrics     *observability.Metrics
	Tracer      trace.Tracer
}

// Status is the polled view of a task.
type Status struct {
	TaskID string
	Status core.TaskStatus
	// Progress is the percentage of expected agent invocations completed.
	Progress      float64
	FailureReason string
	Task          *core.Task
}

// Orchestrator runs tasks end to end. Public methods are safe for concurrent
// use.
type Orchestrator struct {
	registry    AgentSelector
	predictor   Predictor
	tasks       core.TaskStore
	records     core.RecordSink
	cache       core.Cache
	cacheTTL    time.Duration
	sharedCtx   core.ContextStore
	bus         *eventbus.Bus
	ownsBus     bool
	coordinator *coordinator.Coordinator

	retrainEvery   int
	retrainWindow  int
	defaultTimeout time.Duration
	maxInFlight    int

	clock   func() time.Time
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	recordCount atomic.Int64

	activeRuns map[string]*run
	mu         sync.RWMutex
	wg         sync.WaitGroup
	closed     bool
}

// New creates an orchestrator that calls models through caller.
func New(caller coordinator.Caller, optFns ...func(o *Options)) (*Orchestrator, error) {
	opts := Options{
		CacheTTL:     5 * time.Minute,
		RetrainEvery: 20,
		Clock:        time.Now,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.RetrainEvery <= 0 {
		return nil, errors.New("orchestrator: retrain interval must be positive")
	}

	if opts.Registry == nil {
		reg, err := registry.New(func(o *registry.Options) {
			o.Logger = opts.Logger
			o.Clock = opts.Clock
		})
		if err != nil {
			return nil, fmt.Errorf("orchestrator: builtin registry: %w", err)
		}

		opts.Registry = reg
	}

	if opts.Tasks == nil {
		opts.Tasks = store.NewInMemoryTaskStore()
	}

	if opts.Records == nil {
		opts.Records = store.NewInMemoryRecordStore()
	}

	if opts.Predictor == nil {
		source, _ := opts.Records.(core.RecordSource)
		opts.Predictor = predict.New(func(o *predict.Options) {
			o.Source = source
			o.Clock = opts.Clock
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
		})
	}

	ownsBus := opts.Bus == nil
	if ownsBus {
		opts.Bus = eventbus.New(func(o *eventbus.Options) {
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
		})
	}

	if opts.Context == nil {
		opts.Context = sharedctx.NewInMemoryStore(func(o *sharedctx.Options) {
			o.Publisher = opts.Bus
			o.Clock = opts.Clock
			o.Logger = opts.Logger
		})
	}

	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer()
	}

	o := &Orchestrator{
		registry:       opts.Registry,
		predictor:      opts.Predictor,
		tasks:          opts.Tasks,
		records:        opts.Records,
		cache:          opts.Cache,
		cacheTTL:       opts.CacheTTL,
		sharedCtx:      opts.Context,
		bus:            opts.Bus,
		ownsBus:        ownsBus,
		retrainEvery:   opts.RetrainEvery,
		retrainWindow:  opts.RetrainWindow,
		defaultTimeout: opts.DefaultTimeout,
		maxInFlight:    opts.MaxInFlight,
		clock:          opts.Clock,
		logger:         logging.Component(opts.Logger, "orchestrator"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		activeRuns:     make(map[string]*run),
	}

	coord, err := coordinator.New(caller, opts.Context, func(co *coordinator.Options) {
		co.Publisher = progressSink{o}
		co.ContextTTL = opts.ContextTTL
		co.Logger = opts.Logger
		co.Metrics = opts.Metrics
		co.Tracer = opts.Tracer
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	o.coordinator = coord

	return o, nil
}

// Submit validates d, captures a prediction and stores a pending task. It
// returns the new task ID.
func (o *Orchestrator) Submit(ctx context.Context, d core.TaskDescriptor) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}

	task := core.NewTask(d, o.clock())

	p := o.predictor.Predict(ctx, predict.Request{
		TaskID:     task.ID,
		TaskType:   d.Type,
		Target:     d.Target,
		Parameters: d.Parameters,
	})
	task.Prediction = &p

	if err := o.tasks.InsertTask(ctx, task); err != nil {
		return "", core.Infrastructure("insert task", err)
	}

	o.cacheTask(ctx, task)

	ev := core.NewEvent(task.ID, core.EventTaskSubmitted)
	ev.Data = map[string]any{
		"task_type":           d.Type,
		"success_probability": p.SuccessProbability,
		"cold_start":          p.ColdStart,
	}
	o.publish(ctx, ev)

	o.logger.Info("Task submitted", "task_id", task.ID, "task_type", d.Type, "target", d.Target,
		"success_probability", p.SuccessProbability, "cold_start", p.ColdStart)

	return task.ID, nil
}

// GetStatus returns the task's status and progress. Cached snapshots are
// preferred over the task store.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID string) (Status, error) {
	task, ok := o.cachedTask(ctx, taskID)
	if !ok {
		var err error

		task, err = o.tasks.FetchTask(ctx, taskID)
		if err != nil {
			return Status{}, storeError("fetch task", err)
		}
	}

	st := Status{
		TaskID:        task.ID,
		Status:        task.Status,
		FailureReason: task.FailureReason,
		Task:          task,
	}

	switch {
	case task.Status.IsTerminal():
		st.Progress = 100
	case task.Status == core.StatusExecuting:
		if r := o.lookup(taskID); r != nil {
			st.Progress = r.progress()
		}
	}

	return st, nil
}

// Cancel cancels a running task. A pending task fails immediately with
// reason "cancelled".
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	if r := o.lookup(taskID); r != nil {
		r.handle.Cancel()
		return nil
	}

	task, err := o.tasks.FetchTask(ctx, taskID)
	if err != nil {
		return err
	}

	if task.Status != core.StatusPending {
		return fmt.Errorf("%w: task %s is %s", core.ErrInvalidTransition, taskID, task.Status)
	}

	if err := o.tasks.UpdateTaskStatus(ctx, taskID, core.StatusFailed, core.TaskUpdate{
		FailureReason: core.ReasonCancelled,
		CompletedAt:   o.clock().UTC(),
	}); err != nil {
		return err
	}

	o.refreshCache(ctx, taskID)

	ev := core.NewEvent(taskID, core.EventTaskCancelled)
	ev.Message = core.ReasonCancelled
	o.publish(ctx, ev)

	return nil
}

// OnEvent calls fn for every event of taskID until ctx is done, the task
// reaches a terminal event or the returned cancel func is called.
func (o *Orchestrator) OnEvent(ctx context.Context, taskID string, fn func(core.Event)) (cancel func()) {
	return o.bus.OnEvent(ctx, taskID, fn)
}

// Bus returns the event bus.
func (o *Orchestrator) Bus() *eventbus.Bus {
	return o.bus
}

// Close cancels running tasks, waits for them to finish and closes the bus
// when the orchestrator created it.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}

	o.closed = true

	for _, r := range o.activeRuns {
		r.handle.Cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()

	if o.ownsBus {
		return o.bus.Close()
	}

	return nil
}

func (o *Orchestrator) lookup(taskID string) *run {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.activeRuns[taskID]
}

func (o *Orchestrator) publish(ctx context.Context, ev core.Event) {
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.Debug("Event not published", "task_id", ev.TaskID, "type", ev.Type, "error", err)
	}
}

// storeError wraps a task store failure as an infrastructure error unless it
// is a lookup miss, a transition conflict or the caller's own cancellation.
func storeError(op string, err error) error {
	switch {
	case errors.Is(err, core.ErrTaskNotFound),
		errors.Is(err, core.ErrInvalidTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return core.Infrastructure(op, err)
	}
}

func cacheKey(taskID string) string {
	return "task:" + taskID
}

func (o *Orchestrator) cacheTask(ctx context.Context, task *core.Task) {
	if o.cache == nil {
		return
	}

	data, err := json.Marshal(task)
	if err != nil {
		o.logger.Warn("Task snapshot not cached", "task_id", task.ID, "error", err)
		return
	}

	if err := o.cache.Set(ctx, cacheKey(task.ID), data, o.cacheTTL); err != nil {
		o.logger.Warn("Task snapshot not cached", "task_id", task.ID, "error", err)
	}
}

func (o *Orchestrator) cachedTask(ctx context.Context, taskID string) (*core.Task, bool) {
	if o.cache == nil {
		return nil, false
	}

	data, ok, err := o.cache.Get(ctx, cacheKey(taskID))
	if err != nil || !ok {
		return nil, false
	}

	var task core.Task
	if err := json.Unmarshal(data, &task); err != nil {
		o.logger.Warn("Discarding corrupt task snapshot", "task_id", taskID, "error", err)
		return nil, false
	}

	return &task, true
}

// refreshCache reloads the task from the store into the cache.
func (o *Orchestrator) refreshCache(ctx context.Context, taskID string) {
	if o.cache == nil {
		return
	}

	task, err := o.tasks.FetchTask(ctx, taskID)
	if err != nil {
		o.logger.Warn("Task snapshot not refreshed", "task_id", taskID, "error", err)
		return
	}

	o.cacheTask(ctx, task)
}

// progressSink counts finished invocations per task before forwarding
// coordinator events to the bus.
type progressSink struct {
	o *Orchestrator
}

func (s progressSink) Publish(ctx context.Context, ev core.Event) error {
	if ev.Type == core.EventAgentCompleted || ev.Type == core.EventAgentFailed {
		if r := s.o.lookup(ev.TaskID); r != nil {
			r.completed.Add(1)
		}
	}

	return s.o.bus.Publish(ctx, ev)
}
