package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/eventbus"
	"github.com/hupe1980/taskmesh/internal/testutil"
	"github.com/hupe1980/taskmesh/internal/testutil/fakecaller"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/provider"
	"github.com/hupe1980/taskmesh/sharedctx"
)

func newCoordinator(t *testing.T, caller Caller, optFns ...func(o *Options)) (*Coordinator, *sharedctx.InMemoryStore) {
	t.Helper()

	store := sharedctx.NewInMemoryStore()

	c, err := New(caller, store, optFns...)
	require.NoError(t, err)

	return c, store
}

func agents(ids ...string) []core.AgentDefinition {
	out := make([]core.AgentDefinition, len(ids))
	for i, id := range ids {
		out[i] = testutil.Agent(id, "analysis")
	}

	return out
}

func execution(topology core.Topology, ids ...string) Execution {
	return Execution{
		TaskID:     "task-1",
		TaskType:   "security_scan",
		Target:     "example.com",
		Parameters: map[string]any{"depth": 2},
		Topology:   topology,
		Agents:     agents(ids...),
	}
}

func statuses(results []core.AgentResult) []core.AgentStatus {
	out := make([]core.AgentStatus, len(results))
	for i, r := range results {
		out[i] = r.Status
	}

	return out
}

func TestSequential_StopsAtFirstFailure(t *testing.T) {
	caller := fakecaller.New(func(_ context.Context, id string, _ provider.Request) (string, error) {
		if id == "b" {
			return "", fakecaller.Exhausted(id)
		}

		return id + " output", nil
	})

	c, _ := newCoordinator(t, caller)

	out, err := c.Run(context.Background(), execution(core.TopologySequential, "a", "b", "c", "d"))
	require.NoError(t, err)

	assert.Equal(t, []core.AgentStatus{core.AgentSucceeded, core.AgentFailed, core.AgentSkipped, core.AgentSkipped}, statuses(out.Results))
	assert.Equal(t, 1, caller.Calls("a"))
	assert.Equal(t, 1, caller.Calls("b"))
	assert.Zero(t, caller.Calls("c"))
	assert.Zero(t, caller.Calls("d"))

	assert.NotEmpty(t, out.Results[1].Attempts)
	assert.Len(t, out.Invocations, 2)
	assert.Equal(t, "a output", out.Output)
	assert.False(t, out.Cancelled)
}

func TestSequential_PassesPriorOutput(t *testing.T) {
	caller := fakecaller.New(nil)
	c, store := newCoordinator(t, caller)

	out, err := c.Run(context.Background(), execution(core.TopologySequential, "a", "b"))
	require.NoError(t, err)

	assert.NotContains(t, caller.Requests("a")[0].Prompt, "Output of the previous agent")
	assert.Contains(t, caller.Requests("b")[0].Prompt, "Output of the previous agent (a):\na done")
	assert.Equal(t, "b done", out.Output)

	entry, ok, err := store.Get(context.Background(), core.TaskNamespace("task-1"), "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a done", entry.Value)
	assert.Len(t, out.Context.Entries, 2)
}

func TestParallel_PartialFailureDoesNotCancelSiblings(t *testing.T) {
	caller := fakecaller.New(func(ctx context.Context, id string, _ provider.Request) (string, error) {
		if id == "b" {
			return "", fakecaller.Exhausted(id)
		}

		select {
		case <-time.After(30 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		return fmt.Sprintf(`%s result {"quality": 0.6, "findings": ["%s finding"]}`, id, id), nil
	})

	c, _ := newCoordinator(t, caller)

	out, err := c.Run(context.Background(), execution(core.TopologyParallel, "a", "b", "c"))
	require.NoError(t, err)

	assert.Equal(t, []core.AgentStatus{core.AgentSucceeded, core.AgentFailed, core.AgentSucceeded}, statuses(out.Results))
	assert.Equal(t, 0.6, out.Results[0].Quality)
	assert.Equal(t, []string{"a finding"}, out.Results[0].Findings)
	assert.Empty(t, out.Output)
	assert.Len(t, out.Invocations, 3)

	for _, id := range []string{"a", "b", "c"} {
		prompt := caller.Requests(id)[0].Prompt
		assert.NotContains(t, prompt, "result", "agent %s saw a sibling's output", id)
	}
}

func TestParallel_DefaultQualitySignal(t *testing.T) {
	c, _ := newCoordinator(t, fakecaller.New(nil))

	out, err := c.Run(context.Background(), execution(core.TopologyParallel, "a"))
	require.NoError(t, err)

	assert.True(t, out.Results[0].HasQuality)
	assert.Equal(t, core.DefaultQualitySignal, out.Results[0].Quality)
	assert.Equal(t, "fake", out.Results[0].Provider)
}

func TestParallel_MaxInFlight(t *testing.T) {
	caller := fakecaller.New(func(_ context.Context, id string, _ provider.Request) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return id, nil
	})

	c, _ := newCoordinator(t, caller)

	exec := execution(core.TopologyParallel, "a", "b", "c", "d")
	exec.MaxInFlight = 1

	out, err := c.Run(context.Background(), exec)
	require.NoError(t, err)

	assert.Len(t, out.Invocations, 4)
	assert.Equal(t, 1, caller.Peak())
}

func TestHierarchical(t *testing.T) {
	caller := fakecaller.New(func(_ context.Context, id string, req provider.Request) (string, error) {
		switch {
		case id == "lead" && strings.Contains(req.Prompt, `{"subtasks"`):
			return `{"subtasks": ["scan ports", {"description": "check tls"}]}`, nil
		case id == "lead":
			return "final report", nil
		default:
			return id + " worked", nil
		}
	})

	c, store := newCoordinator(t, caller)

	out, err := c.Run(context.Background(), execution(core.TopologyHierarchical, "lead", "w1", "w2"))
	require.NoError(t, err)

	assert.Equal(t, 2, caller.Calls("lead"))
	assert.Contains(t, caller.Requests("w1")[0].Prompt, "Your assigned subtask:\nscan ports")
	assert.Contains(t, caller.Requests("w2")[0].Prompt, "Your assigned subtask:\ncheck tls")

	synth := caller.Requests("lead")[1].Prompt
	assert.Contains(t, synth, "### w1\nw1 worked")
	assert.Contains(t, synth, "### w2\nw2 worked")

	assert.Equal(t, "final report", out.Output)
	assert.Len(t, out.Invocations, 4)
	assert.Equal(t, ExpectedInvocations(core.TopologyHierarchical, 3, 0), len(out.Invocations))
	assert.Equal(t, core.PhaseSynthesize, out.Results[0].Phase)
	assert.Empty(t, out.Reason)

	plan, ok, _ := store.Get(context.Background(), core.TaskNamespace("task-1"), KeyPlan)
	require.True(t, ok)
	assert.Equal(t, []string{"scan ports", "check tls"}, plan.Value)
}

func TestHierarchical_DecompositionFailure(t *testing.T) {
	caller := fakecaller.New(func(_ context.Context, id string, _ provider.Request) (string, error) {
		if id == "lead" {
			return "", fakecaller.Exhausted(id)
		}

		return "worked", nil
	})

	c, _ := newCoordinator(t, caller)

	out, err := c.Run(context.Background(), execution(core.TopologyHierarchical, "lead", "w1", "w2"))
	require.NoError(t, err)

	assert.Equal(t, core.ReasonDecomposition, out.Reason)
	assert.Zero(t, caller.Calls("w1"))
	assert.Zero(t, caller.Calls("w2"))
	assert.Equal(t, []core.AgentStatus{core.AgentFailed, core.AgentSkipped, core.AgentSkipped}, statuses(out.Results))
	assert.Len(t, out.Invocations, 1)
}

func TestHierarchical_SingleAgent(t *testing.T) {
	caller := fakecaller.New(nil)
	c, _ := newCoordinator(t, caller)

	out, err := c.Run(context.Background(), execution(core.TopologyHierarchical, "lead"))
	require.NoError(t, err)

	assert.Equal(t, 1, caller.Calls("lead"))
	assert.Equal(t, "lead done", out.Output)
}

func TestAssignSubtasks(t *testing.T) {
	assert.Equal(t, []string{"a\nc", "b"}, assignSubtasks([]string{"a", "b", "c"}, 2))
	assert.Equal(t, []string{"a", ""}, assignSubtasks([]string{"a"}, 2))
	assert.Empty(t, assignSubtasks([]string{"a"}, 0))
}

func roundOf(prompt string) int {
	const marker = "Collaboration round "

	i := strings.Index(prompt, marker)
	if i < 0 {
		return 0
	}

	rest := prompt[i+len(marker):]
	n, _ := strconv.Atoi(rest[:strings.IndexByte(rest, ' ')])

	return n
}

func TestPeerToPeer_RoundsSeeConsistentSnapshots(t *testing.T) {
	ids := []string{"p1", "p2", "p3"}

	caller := fakecaller.New(func(_ context.Context, id string, req provider.Request) (string, error) {
		round := roundOf(req.Prompt)

		// Stagger agents so early finishers write while others still run.
		if id == "p3" {
			time.Sleep(10 * time.Millisecond)
		}

		return fmt.Sprintf(`{"findings": ["%s@r%d"]}`, id, round), nil
	})

	c, _ := newCoordinator(t, caller)

	exec := execution(core.TopologyPeerToPeer, ids...)
	exec.Rounds = 3

	out, err := c.Run(context.Background(), exec)
	require.NoError(t, err)

	for _, id := range ids {
		reqs := caller.Requests(id)
		require.Len(t, reqs, 3)

		for _, req := range reqs {
			round := roundOf(req.Prompt)

			for _, peer := range ids {
				for r := 1; r <= 3; r++ {
					marker := fmt.Sprintf("%s@r%d", peer, r)
					if r == round-1 {
						assert.Contains(t, req.Prompt, marker, "%s round %d must see previous round", id, round)
					} else {
						assert.NotContains(t, req.Prompt, marker, "%s round %d saw %s", id, round, marker)
					}
				}
			}
		}
	}

	assert.Len(t, out.Invocations, 9)
	assert.Equal(t, []core.AgentStatus{core.AgentSucceeded, core.AgentSucceeded, core.AgentSucceeded}, statuses(out.Results))
	assert.Equal(t, 3, out.Results[0].Round)

	require.Len(t, out.Context.Entries, 3)
	entry, _ := out.Context.Get("p2")
	assert.Equal(t, "p2@r3", entry.Value)
	assert.Contains(t, out.Output, "p1: p1@r3")
}

func TestPeerToPeer_PublishesRounds(t *testing.T) {
	bus := eventbus.New()
	defer func() { _ = bus.Close() }()

	sub := bus.Subscribe("task-1")
	c, _ := newCoordinator(t, fakecaller.New(nil), func(o *Options) { o.Publisher = bus })

	exec := execution(core.TopologyPeerToPeer, "p1", "p2")
	exec.Rounds = 2

	_, err := c.Run(context.Background(), exec)
	require.NoError(t, err)

	counts := map[core.EventType]int{}

	for len(sub.Events()) > 0 {
		ev := <-sub.Events()
		counts[ev.Type]++
	}

	assert.Equal(t, 4, counts[core.EventAgentStarted])
	assert.Equal(t, 4, counts[core.EventAgentCompleted])
	assert.Equal(t, 2, counts[core.EventRoundCompleted])
}

func TestParallel_CancellationPreservesCompletedResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var done sync.WaitGroup
	done.Add(2)

	caller := fakecaller.New(func(ctx context.Context, id string, _ provider.Request) (string, error) {
		if id == "slow" {
			<-ctx.Done()
			return "", ctx.Err()
		}

		defer done.Done()

		return id + " finished", nil
	})

	go func() {
		done.Wait()
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	c, _ := newCoordinator(t, caller)

	out, err := c.Run(ctx, execution(core.TopologyParallel, "fast1", "fast2", "slow"))
	require.NoError(t, err)

	assert.True(t, out.Cancelled)
	assert.Equal(t, []core.AgentStatus{core.AgentSucceeded, core.AgentSucceeded, core.AgentCancelled}, statuses(out.Results))
	assert.Len(t, out.Context.Entries, 2)
}

type failingStore struct {
	core.ContextStore
}

func (failingStore) Put(context.Context, string, string, any, string, time.Duration) (core.ContextEntry, error) {
	return core.ContextEntry{}, errors.New("connection refused")
}

func TestInfrastructureFailureAborts(t *testing.T) {
	caller := fakecaller.New(nil)

	c, err := New(caller, failingStore{sharedctx.NewInMemoryStore()})
	require.NoError(t, err)

	out, err := c.Run(context.Background(), execution(core.TopologySequential, "a", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTaskInfrastructure)
	assert.Zero(t, caller.Calls("b"))
	require.NotNil(t, out)
	assert.Len(t, out.Results, 1)

	_, err = c.Run(context.Background(), execution(core.TopologyParallel, "a", "b"))
	assert.ErrorIs(t, err, core.ErrTaskInfrastructure)
}

func TestRun_LogsTopology(t *testing.T) {
	var buf bytes.Buffer

	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "text", Output: &buf})

	caller := fakecaller.New(func(_ context.Context, id string, _ provider.Request) (string, error) {
		if id == "b" {
			return "", fakecaller.Exhausted(id)
		}

		return "ok", nil
	})

	c, _ := newCoordinator(t, caller, func(o *Options) { o.Logger = logger })

	_, err := c.Run(context.Background(), execution(core.TopologyParallel, "a", "b"))
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `msg="Topology execution completed" component=coordinator task_id=task-1 topology=parallel agent_count=2 succeeded=1`)
	assert.Contains(t, buf.String(), "cancelled=false")
}

func TestRun_Validation(t *testing.T) {
	c, _ := newCoordinator(t, fakecaller.New(nil))

	_, err := c.Run(context.Background(), Execution{TaskID: "t"})
	assert.ErrorIs(t, err, core.ErrNoAgentAvailable)

	_, err = c.Run(context.Background(), Execution{TaskID: "t", Topology: "star", Agents: agents("a")})
	assert.ErrorIs(t, err, core.ErrInvalidDescriptor)

	_, err = New(nil, sharedctx.NewInMemoryStore())
	assert.Error(t, err)
}

func TestExpectedInvocations(t *testing.T) {
	assert.Equal(t, 3, ExpectedInvocations(core.TopologySequential, 3, 0))
	assert.Equal(t, 3, ExpectedInvocations(core.TopologyParallel, 3, 0))
	assert.Equal(t, 4, ExpectedInvocations(core.TopologyHierarchical, 3, 0))
	assert.Equal(t, 1, ExpectedInvocations(core.TopologyHierarchical, 1, 0))
	assert.Equal(t, 9, ExpectedInvocations(core.TopologyPeerToPeer, 3, 0))
	assert.Equal(t, 6, ExpectedInvocations(core.TopologyPeerToPeer, 3, 2))
}

func TestJoinOutputs(t *testing.T) {
	out := JoinOutputs([]core.AgentResult{
		{AgentID: "a", Status: core.AgentSucceeded, Output: "one"},
		{AgentID: "b", Status: core.AgentFailed},
		{AgentID: "c", Status: core.AgentSucceeded, Output: "three\n"},
	})

	assert.Equal(t, "## a\none\n\n## c\nthree", out)
}
