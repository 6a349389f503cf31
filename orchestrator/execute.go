package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/taskmesh/coordinator"
	"github.com/hupe1980/taskmesh/core"
)

var (
	// ErrClosed is returned by Execute after Close.
	ErrClosed = errors.New("orchestrator closed")

	errTimeout = errors.New("task timeout")
)

// Handle is the future of one task execution.
type Handle struct {
	taskID string
	cancel context.CancelCauseFunc
	done   chan struct{}
	result *core.ExecutionResult
	err    error
}

// TaskID returns the executing task's ID.
func (h *Handle) TaskID() string { return h.taskID }

// Done is closed when the execution has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel requests cancellation. Completed agent results are kept.
func (h *Handle) Cancel() { h.cancel(context.Canceled) }

// Wait blocks until the execution has finished or ctx is done. The result is
// non-nil whenever the execution finished, even with an error.
func (h *Handle) Wait(ctx context.Context) (*core.ExecutionResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type run struct {
	handle    *Handle
	expected  atomic.Int64
	completed atomic.Int64
}

func (r *run) progress() float64 {
	expected := r.expected.Load()
	if expected <= 0 {
		return 0
	}

	return min(99, float64(r.completed.Load())*100/float64(expected))
}

// Execute starts a pending task in the background and returns its handle.
// The execution is detached from ctx cancellation; use the handle or Cancel
// to stop it. Executing a task that is already running returns its handle.
func (o *Orchestrator) Execute(ctx context.Context, taskID string) (*Handle, error) {
	return o.start(context.WithoutCancel(ctx), taskID)
}

// ExecuteTask runs a pending task and waits for its result. Cancelling ctx
// cancels the task.
//
// Agent and provider failures are reported in the result. The error is
// non-nil for infrastructure failures (core.ErrTaskInfrastructure) and when
// no agent could be resolved (core.ErrNoAgentAvailable); the result is still
// returned in both cases.
func (o *Orchestrator) ExecuteTask(ctx context.Context, taskID string) (*core.ExecutionResult, error) {
	h, err := o.start(ctx, taskID)
	if err != nil {
		return nil, err
	}

	<-h.done

	return h.result, h.err
}

func (o *Orchestrator) start(parent context.Context, taskID string) (*Handle, error) {
	task, err := o.tasks.FetchTask(parent, taskID)
	if err != nil {
		return nil, storeError("fetch task", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}

	if r, ok := o.activeRuns[taskID]; ok {
		return r.handle, nil
	}

	if task.Status != core.StatusPending {
		return nil, fmt.Errorf("%w: task %s is %s", core.ErrInvalidTransition, taskID, task.Status)
	}

	ctx, cancel := context.WithCancelCause(parent)

	r := &run{handle: &Handle{taskID: taskID, cancel: cancel, done: make(chan struct{})}}
	o.activeRuns[taskID] = r

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		defer cancel(nil)

		r.handle.result, r.handle.err = o.run(ctx, task, r)

		o.mu.Lock()
		delete(o.activeRuns, taskID)
		o.mu.Unlock()

		close(r.handle.done)
	}()

	return r.handle, nil
}

func (o *Orchestrator) run(ctx context.Context, task *core.Task, r *run) (*core.ExecutionResult, error) {
	d := task.Descriptor
	start := o.clock()

	ctx, span := o.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("task_type", d.Type),
	))
	defer span.End()

	// Ranked agents first, then the rest of the default mapping.
	var hint []string
	if task.Prediction != nil {
		hint = append(task.Prediction.AgentIDs(), o.registry.Defaults(d.Type)...)
	}

	agents, err := o.registry.Select(d.Type, d.RequiredCapabilities, hint)
	if err != nil {
		res := &core.ExecutionResult{TaskID: task.ID, Topology: d.Topology, Reason: core.ReasonNoAgent}

		if ferr := o.finish(ctx, task, res, start); ferr != nil {
			err = errors.Join(err, ferr)
		}

		span.SetStatus(codes.Error, err.Error())

		return res, err
	}

	topology := d.Topology
	if topology == "" {
		topology = core.TopologyParallel
		if len(agents) == 1 {
			topology = core.TopologySequential
		}
	}

	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}

	r.expected.Store(int64(coordinator.ExpectedInvocations(topology, len(agents), d.Rounds)))

	task.AgentIDs = ids
	task.StartedAt = start.UTC()

	if err := o.tasks.UpdateTaskStatus(context.WithoutCancel(ctx), task.ID, core.StatusExecuting, core.TaskUpdate{
		AgentIDs:  ids,
		StartedAt: task.StartedAt,
	}); err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			return o.lostStart(ctx, task.ID, topology, err)
		}

		err = core.Infrastructure("update task status", err)
		span.SetStatus(codes.Error, err.Error())

		return &core.ExecutionResult{TaskID: task.ID, Topology: topology, Reason: core.ReasonInfrastructure}, err
	}

	task.Status = core.StatusExecuting
	o.cacheTask(ctx, task)

	ev := core.NewEvent(task.ID, core.EventTaskStarted)
	ev.Data = map[string]any{"topology": string(topology), "agents": ids}
	o.publish(ctx, ev)

	span.SetAttributes(attribute.String("topology", string(topology)), attribute.Int("agents", len(agents)))

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeoutCause(ctx, timeout, errTimeout)
		defer cancel()
	}

	maxInFlight := d.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = o.maxInFlight
	}

	out, runErr := o.coordinator.Run(runCtx, coordinator.Execution{
		TaskID:      task.ID,
		TaskType:    d.Type,
		Target:      d.Target,
		Parameters:  d.Parameters,
		Topology:    topology,
		Agents:      agents,
		Rounds:      d.Rounds,
		MaxInFlight: maxInFlight,
	})

	res := o.aggregate(task, topology, out, start)

	switch {
	case runErr != nil:
		res.Success = false
		res.Reason = core.ReasonInfrastructure
	case runCtx.Err() != nil || (out != nil && out.Cancelled):
		res.Success = false
		res.Reason = core.ReasonCancelled

		if errors.Is(context.Cause(runCtx), errTimeout) {
			res.Reason = core.ReasonTimeout
		}
	}

	if err := o.finish(ctx, task, res, start); err != nil {
		runErr = errors.Join(runErr, err)
	}

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())

		return res, runErr
	}

	span.SetAttributes(attribute.Bool("success", res.Success), attribute.Float64("quality", res.QualityScore))

	return res, nil
}

// lostStart handles a task that left pending between fetch and start, e.g.
// cancelled concurrently. A cancelled task is reported like any other
// cancellation; other transitions are returned as they are.
func (o *Orchestrator) lostStart(ctx context.Context, taskID string, topology core.Topology, cause error) (*core.ExecutionResult, error) {
	res := &core.ExecutionResult{TaskID: taskID, Topology: topology}

	current, err := o.tasks.FetchTask(context.WithoutCancel(ctx), taskID)
	if err != nil {
		res.Reason = core.ReasonInfrastructure
		return res, errors.Join(cause, core.Infrastructure("fetch task", err))
	}

	res.Reason = current.FailureReason
	if current.Result != nil {
		res = current.Result
	}

	if current.FailureReason == core.ReasonCancelled {
		o.logger.Info("Task cancelled before start", "task_id", taskID)
		return res, nil
	}

	return res, cause
}

// aggregate turns a coordinator outcome into the task result. Cancellation
// and infrastructure reasons are applied by the caller.
func (o *Orchestrator) aggregate(task *core.Task, topology core.Topology, out *coordinator.Outcome, start time.Time) *core.ExecutionResult {
	res := &core.ExecutionResult{
		TaskID:   task.ID,
		Topology: topology,
		Duration: o.clock().Sub(start),
	}

	if out == nil {
		return res
	}

	res.AgentResults = out.Results
	res.Invocations = out.Invocations
	res.Output = out.Output
	res.QualityScore = core.MeanQuality(out.Results)
	res.Context = out.Context.Values()

	if res.Output == "" {
		res.Output = coordinator.JoinOutputs(out.Results)
	}

	if out.Reason != "" {
		res.Reason = out.Reason
		return res
	}

	threshold := task.Descriptor.MinSuccessfulAgents
	if threshold <= 0 {
		threshold = 1
	}

	res.Success = len(res.Succeeded()) >= threshold
	if !res.Success {
		res.Reason = core.ReasonThresholdUnmet
	}

	return res
}

// finish persists the terminal status, feeds the learning loop and publishes
// the terminal event. It runs detached from cancellation so a cancelled task
// is still recorded.
func (o *Orchestrator) finish(ctx context.Context, task *core.Task, res *core.ExecutionResult, start time.Time) error {
	ctx = context.WithoutCancel(ctx)
	now := o.clock()

	res.Duration = now.Sub(start)

	status := core.StatusFailed
	if res.Success {
		status = core.StatusCompleted
	}

	var err error

	if uerr := o.tasks.UpdateTaskStatus(ctx, task.ID, status, core.TaskUpdate{
		Result:        res,
		FailureReason: res.Reason,
		CompletedAt:   now.UTC(),
	}); uerr != nil {
		err = core.Infrastructure("update task status", uerr)
	} else {
		task.Status = status
		task.FailureReason = res.Reason
		task.CompletedAt = now.UTC()
		r := res.Clone()
		task.Result = &r
		o.cacheTask(ctx, task)
	}

	for _, ar := range res.AgentResults {
		if ar.Status.Ran() {
			o.registry.RecordOutcome(ar.AgentID, ar.Succeeded(), ar.Duration)
		}
	}

	o.appendRecord(ctx, task, *res, now)

	// res.Context already holds the snapshot.
	if cerr := o.sharedCtx.Clear(ctx, core.TaskNamespace(task.ID)); cerr != nil {
		o.logger.Warn("Shared context not cleared", "task_id", task.ID, "error", cerr)
	}

	typ := core.EventTaskCompleted

	switch {
	case res.Reason == core.ReasonCancelled:
		typ = core.EventTaskCancelled
	case !res.Success:
		typ = core.EventTaskFailed
	}

	ev := core.NewEvent(task.ID, typ)
	ev.Message = res.Reason
	ev.Data = map[string]any{
		"success":       res.Success,
		"quality_score": res.QualityScore,
		"duration_ms":   res.Duration.Milliseconds(),
		"succeeded":     len(res.Succeeded()),
		"agents":        len(res.AgentResults),
	}
	o.publish(ctx, ev)

	o.metrics.RecordTask(ctx, task.Descriptor.Type, string(res.Topology), string(status), res.Duration, res.QualityScore)

	if res.Success {
		o.logger.Info("Task completed", "task_id", task.ID, "topology", res.Topology,
			"quality_score", res.QualityScore, "duration", res.Duration)
	} else {
		o.logger.Warn("Task failed", "task_id", task.ID, "topology", res.Topology, "reason", res.Reason,
			"succeeded", len(res.Succeeded()), "agents", len(res.AgentResults), "duration", res.Duration)
	}

	return err
}

func (o *Orchestrator) appendRecord(ctx context.Context, task *core.Task, res core.ExecutionResult, now time.Time) {
	rec := core.NewExecutionRecord(task, res, now)

	if err := o.records.AppendExecutionRecord(ctx, rec); err != nil {
		o.logger.Error("Execution record lost", "task_id", task.ID, "error", err)
		return
	}

	if n := o.recordCount.Add(1); n%int64(o.retrainEvery) == 0 {
		started := o.predictor.RetrainAsync(o.retrainWindow)
		o.logger.Debug("Retrain requested", "records", n, "queued", !started)
	}
}
