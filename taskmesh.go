// Package taskmesh provides a high-level façade over the task orchestration
// core: a provider router with fallback, an agent registry, a predictive
// engine, an event bus, a shared context store and the collaboration
// coordinator. Most applications interact with this package by:
//  1. Creating a TaskMesh via New() with model endpoints, or NewFromConfig()
//  2. Submitting task descriptors (Submit)
//  3. Executing them in the background (Execute) or synchronously
//     (ExecuteTask) and following progress through OnEvent / GetStatus
//
// All defaults are in-memory and safe for local development and testing;
// production deployments typically configure the SQLite store, real
// provider endpoints and a structured logger.
package taskmesh

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/taskmesh/coordinator"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/eventbus"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/observability"
	"github.com/hupe1980/taskmesh/orchestrator"
	"github.com/hupe1980/taskmesh/predict"
	"github.com/hupe1980/taskmesh/provider"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/sharedctx"
	"github.com/hupe1980/taskmesh/store"
)

// Options configures the TaskMesh instance.
type Options struct {
	// Endpoints are the model endpoints behind the provider router.
	Endpoints []provider.Endpoint
	// Router tunes the provider router.
	Router func(o *provider.Options)
	// Caller replaces the provider router entirely (tests, custom routing).
	Caller coordinator.Caller

	// Catalog seeds the agent registry; nil loads the built-in agents.
	Catalog *registry.Catalog

	// Stores (default to in-memory implementations if not provided)
	Tasks   core.TaskStore
	Records core.RecordStore
	Cache   core.Cache

	// Predictor tunes the predictive engine.
	Predictor func(o *predict.Options)
	// Orchestrator tunes task execution.
	Orchestrator func(o *orchestrator.Options)

	// Logger (defaults to NoOp logger if nil)
	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// TaskMesh is the high-level façade aggregating the core components.
type TaskMesh struct {
	router       *provider.Router
	registry     *registry.Registry
	predictor    *predict.Engine
	bus          *eventbus.Bus
	context      *sharedctx.InMemoryStore
	records      core.RecordStore
	orchestrator *orchestrator.Orchestrator
	logger       logging.Logger
	obs          *observability.Observability

	closers []func() error
}

// New creates a TaskMesh. At least one endpoint or a Caller is required.
func New(optFns ...func(o *Options)) (*TaskMesh, error) {
	opts := Options{
		Tasks:   store.NewInMemoryTaskStore(),
		Records: store.NewInMemoryRecordStore(),
		Logger:  logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer()
	}

	m := &TaskMesh{records: opts.Records, logger: opts.Logger}

	caller := opts.Caller
	if caller == nil {
		if len(opts.Endpoints) == 0 {
			return nil, errors.New("taskmesh: at least one endpoint is required")
		}

		router, err := provider.New(opts.Endpoints, func(o *provider.Options) {
			o.Logger = opts.Logger
			o.Metrics = opts.Metrics
			o.Tracer = opts.Tracer

			if opts.Router != nil {
				opts.Router(o)
			}
		})
		if err != nil {
			return nil, err
		}

		m.router = router
		caller = router
	}

	reg, err := registry.New(func(o *registry.Options) {
		o.Catalog = opts.Catalog
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	m.registry = reg

	m.predictor = predict.New(func(o *predict.Options) {
		o.Source = opts.Records
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics

		if opts.Predictor != nil {
			opts.Predictor(o)
		}
	})

	m.bus = eventbus.New(func(o *eventbus.Options) {
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})

	m.context = sharedctx.NewInMemoryStore(func(o *sharedctx.Options) {
		o.Publisher = m.bus
		o.Logger = opts.Logger
	})

	orch, err := orchestrator.New(caller, func(o *orchestrator.Options) {
		o.Registry = m.registry
		o.Predictor = m.predictor
		o.Tasks = opts.Tasks
		o.Records = opts.Records
		o.Cache = opts.Cache
		o.Context = m.context
		o.Bus = m.bus
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
		o.Tracer = opts.Tracer

		if opts.Orchestrator != nil {
			opts.Orchestrator(o)
		}
	})
	if err != nil {
		_ = m.bus.Close()
		return nil, err
	}

	m.orchestrator = orch

	return m, nil
}

// Submit validates and stores a task, returning its ID.
func (m *TaskMesh) Submit(ctx context.Context, d core.TaskDescriptor) (string, error) {
	return m.orchestrator.Submit(ctx, d)
}

// GetStatus returns a task's status and progress percentage.
func (m *TaskMesh) GetStatus(ctx context.Context, taskID string) (orchestrator.Status, error) {
	return m.orchestrator.GetStatus(ctx, taskID)
}

// Execute starts a submitted task in the background.
func (m *TaskMesh) Execute(ctx context.Context, taskID string) (*orchestrator.Handle, error) {
	return m.orchestrator.Execute(ctx, taskID)
}

// ExecuteTask runs a submitted task and waits for its result.
func (m *TaskMesh) ExecuteTask(ctx context.Context, taskID string) (*core.ExecutionResult, error) {
	return m.orchestrator.ExecuteTask(ctx, taskID)
}

// Run submits and executes d synchronously.
func (m *TaskMesh) Run(ctx context.Context, d core.TaskDescriptor) (*core.ExecutionResult, error) {
	id, err := m.Submit(ctx, d)
	if err != nil {
		return nil, err
	}

	return m.ExecuteTask(ctx, id)
}

// Cancel cancels a pending or running task.
func (m *TaskMesh) Cancel(ctx context.Context, taskID string) error {
	return m.orchestrator.Cancel(ctx, taskID)
}

// OnEvent streams a task's events to fn until its terminal event.
func (m *TaskMesh) OnEvent(ctx context.Context, taskID string, fn func(core.Event)) (cancel func()) {
	return m.orchestrator.OnEvent(ctx, taskID, fn)
}

// Agents lists the registered agents.
func (m *TaskMesh) Agents() []core.AgentDefinition { return m.registry.List() }

// Registry returns the agent registry.
func (m *TaskMesh) Registry() *registry.Registry { return m.registry }

// Predictor returns the predictive engine.
func (m *TaskMesh) Predictor() *predict.Engine { return m.predictor }

// Bus returns the event bus.
func (m *TaskMesh) Bus() *eventbus.Bus { return m.bus }

// Endpoints returns provider health snapshots; nil when a custom Caller is
// used.
func (m *TaskMesh) Endpoints() []provider.EndpointStatus {
	if m.router == nil {
		return nil
	}

	return m.router.Endpoints()
}

// MetricsHandler serves Prometheus metrics; nil unless observability was
// enabled through NewFromConfig.
func (m *TaskMesh) MetricsHandler() http.Handler {
	if m.obs == nil {
		return nil
	}

	return m.obs.Handler()
}

// Train fits the predictor on the stored execution records.
func (m *TaskMesh) Train(ctx context.Context) error {
	return m.predictor.Retrain(ctx, 0)
}

// Close stops running tasks and background work, then releases resources
// opened by NewFromConfig.
func (m *TaskMesh) Close() error {
	errs := []error{m.orchestrator.Close()}

	m.predictor.Wait()

	errs = append(errs, m.bus.Close())

	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close taskmesh: %w", err)
	}

	return nil
}
