package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/observability"
	"github.com/hupe1980/taskmesh/provider"
)

// Caller executes one model call with fallback. *provider.Router satisfies it.
type Caller interface {
	Call(ctx context.Context, req provider.Request) (*provider.Result, error)
}

var _ Caller = (*provider.Router)(nil)

// Options configures a Coordinator.
type Options struct {
	// Publisher receives agent lifecycle and round events.
	Publisher core.NotificationSink
	// ContextTTL is the expiry applied to shared context writes; zero keeps
	// entries for the lifetime of the namespace.
	ContextTTL time.Duration
	Logger     logging.Logger
	Metrics    *observability.Metrics
	Tracer     trace.Tracer
}

// Coordinator runs topologies. It holds no per-task state and is safe for
// concurrent use.
type Coordinator struct {
	caller    Caller
	store     core.ContextStore
	publisher core.NotificationSink
	ttl       time.Duration
	logger    logging.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// New creates a coordinator that calls models through caller and exchanges
// intermediate state through store.
func New(caller Caller, store core.ContextStore, optFns ...func(o *Options)) (*Coordinator, error) {
	if caller == nil {
		return nil, errors.New("coordinator: caller is required")
	}

	if store == nil {
		return nil, errors.New("coordinator: context store is required")
	}

	opts := Options{Logger: logging.NoOpLogger{}}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Tracer == nil {
		opts.Tracer = observability.Tracer()
	}

	return &Coordinator{
		caller:    caller,
		store:     store,
		publisher: opts.Publisher,
		ttl:       opts.ContextTTL,
		logger:    logging.Component(opts.Logger, "coordinator"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}, nil
}

// Execution is one topology run.
type Execution struct {
	TaskID     string
	TaskType   string
	Target     string
	Parameters map[string]any
	Topology   core.Topology
	Agents     []core.AgentDefinition
	// Rounds applies to peer-to-peer; zero means core.DefaultPeerRounds.
	Rounds int
	// MaxInFlight bounds concurrent invocations; zero means unbounded.
	MaxInFlight int
}

func (e Execution) rounds() int {
	if e.Rounds > 0 {
		return e.Rounds
	}

	return core.DefaultPeerRounds
}

// Outcome is the result of a run. It is returned even when the run was
// cancelled, carrying every invocation that completed.
type Outcome struct {
	Topology core.Topology
	// Results holds the final outcome per agent, in agent order.
	Results []core.AgentResult
	// Invocations logs every call in completion order per phase.
	Invocations []core.AgentResult
	// Output is the topology's combined output; empty for Parallel, whose
	// aggregation belongs to the caller.
	Output string
	// Context is the task namespace snapshot after the run.
	Context core.Snapshot
	// Reason is set when the topology itself failed (decomposition).
	Reason string
	// Cancelled reports that the run was cut short by its context.
	Cancelled bool
}

// ExpectedInvocations returns the number of agent invocations a complete run
// performs, used for progress reporting.
func ExpectedInvocations(topology core.Topology, agents, rounds int) int {
	switch topology {
	case core.TopologyHierarchical:
		if agents <= 1 {
			return agents
		}

		return agents + 1
	case core.TopologyPeerToPeer:
		if rounds <= 0 {
			rounds = core.DefaultPeerRounds
		}

		return agents * rounds
	default:
		return agents
	}
}

// Run executes exec. The returned error is non-nil only for infrastructure
// failures; agent and provider failures are reported in the Outcome.
func (c *Coordinator) Run(ctx context.Context, exec Execution) (*Outcome, error) {
	if len(exec.Agents) == 0 {
		return nil, fmt.Errorf("%w: no agents to run", core.ErrNoAgentAvailable)
	}

	topology := exec.Topology
	if topology == "" {
		topology = core.TopologySequential
	}

	ctx, span := c.tracer.Start(ctx, "coordinator."+string(topology), trace.WithAttributes(
		attribute.String("task_id", exec.TaskID),
		attribute.String("topology", string(topology)),
		attribute.Int("agents", len(exec.Agents)),
	))
	defer span.End()

	start := time.Now()
	logger := logging.Task(c.logger, exec.TaskID)

	var (
		out *Outcome
		err error
	)

	switch topology {
	case core.TopologySequential:
		out, err = c.sequential(ctx, exec)
	case core.TopologyParallel:
		out, err = c.parallel(ctx, exec)
	case core.TopologyHierarchical:
		out, err = c.hierarchical(ctx, exec)
	case core.TopologyPeerToPeer:
		out, err = c.peer(ctx, exec)
	default:
		return nil, fmt.Errorf("%w: unknown topology %q", core.ErrInvalidDescriptor, topology)
	}

	if out != nil {
		out.Topology = topology
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Topology(logger, string(topology), len(exec.Agents), 0, time.Since(start), err)

		return out, err
	}

	out.Cancelled = out.Cancelled || ctx.Err() != nil

	snap, err := c.store.Snapshot(context.WithoutCancel(ctx), core.TaskNamespace(exec.TaskID))
	if err != nil {
		err = core.Infrastructure("shared context snapshot", err)
		span.RecordError(err)

		return out, err
	}

	out.Context = snap

	succeeded := 0

	for _, r := range out.Results {
		if r.Succeeded() {
			succeeded++
		}
	}

	span.SetAttributes(attribute.Int("succeeded", succeeded), attribute.Bool("cancelled", out.Cancelled))
	logging.Topology(logger, string(topology), len(exec.Agents), succeeded, time.Since(start), nil, "cancelled", out.Cancelled)

	return out, nil
}

// invoke runs one agent call. It never fails: errors are folded into the
// returned result.
func (c *Coordinator) invoke(ctx context.Context, exec Execution, agent core.AgentDefinition, in core.PromptInput) core.AgentResult {
	in.TaskID = exec.TaskID
	in.TaskType = exec.TaskType
	in.Target = exec.Target
	in.Parameters = exec.Parameters

	res := core.AgentResult{AgentID: agent.ID, Phase: in.Phase, Round: in.Round}

	if err := ctx.Err(); err != nil {
		res.Status = core.AgentCancelled
		res.Error = err.Error()

		return res
	}

	ctx, span := c.tracer.Start(ctx, "agent."+in.Phase, trace.WithAttributes(
		attribute.String("agent_id", agent.ID),
		attribute.String("phase", in.Phase),
		attribute.Int("round", in.Round),
	))
	defer span.End()

	c.publish(ctx, withRound(core.NewAgentEvent(exec.TaskID, core.EventAgentStarted, agent.ID, in.Phase), in.Round))

	start := time.Now()

	prompt, err := agent.Generate(in)
	if err != nil {
		return c.finish(ctx, exec.TaskID, span, c.fail(res, start, err))
	}

	maxTokens := agent.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	call, err := c.caller.Call(ctx, provider.Request{
		ModelPreference: agent.PreferredModel,
		SystemPrompt:    prompt.System,
		Prompt:          prompt.User,
		MaxTokens:       maxTokens,
		Temperature:     agent.Temperature,
	})
	if err != nil {
		var exhausted *core.ExhaustedError
		if errors.As(err, &exhausted) {
			res.Attempts = exhausted.Attempts
		}

		if ctx.Err() != nil {
			res.Status = core.AgentCancelled
			res.Error = ctx.Err().Error()
			res.Duration = time.Since(start)

			return c.finish(ctx, exec.TaskID, span, res)
		}

		return c.finish(ctx, exec.TaskID, span, c.fail(res, start, err))
	}

	parsed := agent.ParseResponse(call.Content)

	res.Status = core.AgentSucceeded
	res.Output = call.Content
	res.Findings = parsed.Findings
	res.Quality = core.DefaultQualitySignal
	res.HasQuality = true

	if parsed.HasQuality {
		res.Quality = parsed.Quality
	}

	res.Provider = call.Endpoint
	res.Model = call.Model
	res.Usage = core.TokenCounts{Prompt: call.Usage.PromptTokens, Completion: call.Usage.CompletionTokens, Total: call.Usage.TotalTokens}
	res.Cost = call.Cost
	res.Attempts = call.Attempts
	res.Duration = time.Since(start)

	return c.finish(ctx, exec.TaskID, span, res)
}

func (c *Coordinator) fail(res core.AgentResult, start time.Time, err error) core.AgentResult {
	res.Status = core.AgentFailed
	res.Error = err.Error()
	res.Duration = time.Since(start)

	return res
}

func (c *Coordinator) finish(ctx context.Context, taskID string, span trace.Span, res core.AgentResult) core.AgentResult {
	typ := core.EventAgentCompleted
	if !res.Succeeded() {
		typ = core.EventAgentFailed

		span.SetStatus(codes.Error, res.Error)
		c.logger.Warn("Agent invocation failed", "task_id", taskID, "agent_id", res.AgentID, "phase", res.Phase, "status", res.Status, "error", res.Error)
	} else {
		span.SetAttributes(attribute.String("provider", res.Provider), attribute.Float64("quality", res.Quality))
		c.logger.Debug("Agent invocation completed", "task_id", taskID, "agent_id", res.AgentID, "phase", res.Phase, "provider", res.Provider, "duration", res.Duration)
	}

	ev := withRound(core.NewAgentEvent(taskID, typ, res.AgentID, res.Phase), res.Round)
	ev.Message = res.Error
	ev.Data = map[string]any{"status": string(res.Status), "duration_ms": res.Duration.Milliseconds()}

	if res.Succeeded() {
		ev.Data["quality"] = res.Quality
		ev.Data["provider"] = res.Provider
	}

	c.publish(context.WithoutCancel(ctx), ev)
	c.metrics.RecordAgentInvocation(ctx, res.AgentID, res.Phase, string(res.Status))

	return res
}

// put writes a completed agent's contribution. Writes go through even when
// the run is being cancelled so finished work is preserved.
func (c *Coordinator) put(ctx context.Context, taskID, key string, value any, writer string) error {
	if _, err := c.store.Put(context.WithoutCancel(ctx), core.TaskNamespace(taskID), key, value, writer, c.ttl); err != nil {
		return core.Infrastructure("shared context put", err)
	}

	return nil
}

func (c *Coordinator) publish(ctx context.Context, ev core.Event) {
	if c.publisher == nil {
		return
	}

	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Debug("Event not published", "task_id", ev.TaskID, "type", ev.Type, "error", err)
	}
}

func withRound(ev core.Event, round int) core.Event {
	ev.Round = round
	return ev
}

// contribution is what an agent publishes to the shared context: its
// findings when it reported any, its raw output otherwise.
func contribution(res core.AgentResult) string {
	if len(res.Findings) > 0 {
		return strings.Join(res.Findings, "; ")
	}

	return strings.TrimSpace(res.Output)
}

// JoinOutputs renders successful outputs as "## agent" sections in result
// order.
func JoinOutputs(results []core.AgentResult) string {
	var b strings.Builder

	for _, r := range results {
		if !r.Succeeded() {
			continue
		}

		if b.Len() > 0 {
			b.WriteString("\n\n")
		}

		fmt.Fprintf(&b, "## %s\n%s", r.AgentID, strings.TrimSpace(r.Output))
	}

	return b.String()
}

// renderSnapshot renders a snapshot as sorted "key: value" lines.
func renderSnapshot(s core.Snapshot) string {
	entries := s.Sorted()
	lines := make([]string, 0, len(entries))

	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s: %v", e.Key, e.Value))
	}

	return strings.Join(lines, "\n")
}

// assignSubtasks distributes subtasks over workers round-robin. Workers
// without an assignment work on the task as a whole.
func assignSubtasks(subtasks []string, workers int) []string {
	out := make([]string, workers)
	if workers == 0 {
		return out
	}

	parts := make([][]string, workers)
	for i, s := range subtasks {
		parts[i%workers] = append(parts[i%workers], s)
	}

	for i, p := range parts {
		out[i] = strings.Join(p, "\n")
	}

	return out
}
