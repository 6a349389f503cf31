package coordinator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/taskmesh/core"
)

// Shared context keys written besides the per-agent entries.
const (
	KeyPlan      = "plan"
	KeySynthesis = "synthesis"
)

type job struct {
	agent core.AgentDefinition
	in    core.PromptInput
}

// fanOut runs jobs concurrently, bounded by limit when positive, and returns
// results in job order. Only a shared context failure stops the group.
func (c *Coordinator) fanOut(ctx context.Context, exec Execution, jobs []job) ([]core.AgentResult, error) {
	results := make([]core.AgentResult, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	if exec.MaxInFlight > 0 {
		g.SetLimit(exec.MaxInFlight)
	}

	for i, j := range jobs {
		g.Go(func() error {
			res := c.invoke(gctx, exec, j.agent, j.in)
			results[i] = res

			if !res.Succeeded() {
				return nil
			}

			return c.put(gctx, exec.TaskID, j.agent.ID, contribution(res), j.agent.ID)
		})
	}

	err := g.Wait()

	return results, err
}

func (c *Coordinator) sequential(ctx context.Context, exec Execution) (*Outcome, error) {
	out := &Outcome{Results: make([]core.AgentResult, 0, len(exec.Agents))}

	var prior *core.AgentResult

	for i, agent := range exec.Agents {
		in := core.PromptInput{Phase: core.PhaseExecute}
		if prior != nil {
			in.PriorAgent = prior.AgentID
			in.PriorOutput = prior.Output
		}

		res := c.invoke(ctx, exec, agent, in)
		out.Results = append(out.Results, res)

		if res.Status.Ran() {
			out.Invocations = append(out.Invocations, res)
		}

		if !res.Succeeded() {
			rest := core.AgentSkipped
			if res.Status == core.AgentCancelled || ctx.Err() != nil {
				rest = core.AgentCancelled
				out.Cancelled = true
			}

			for _, a := range exec.Agents[i+1:] {
				out.Results = append(out.Results, core.AgentResult{AgentID: a.ID, Phase: core.PhaseExecute, Status: rest})
			}

			break
		}

		if err := c.put(ctx, exec.TaskID, agent.ID, contribution(res), agent.ID); err != nil {
			return out, err
		}

		last := res
		prior = &last
		out.Output = res.Output
	}

	return out, nil
}

func (c *Coordinator) parallel(ctx context.Context, exec Execution) (*Outcome, error) {
	jobs := make([]job, len(exec.Agents))
	for i, a := range exec.Agents {
		jobs[i] = job{agent: a, in: core.PromptInput{Phase: core.PhaseExecute}}
	}

	results, err := c.fanOut(ctx, exec, jobs)

	out := &Outcome{Results: results}
	out.Invocations = ran(results)

	return out, err
}

func (c *Coordinator) hierarchical(ctx context.Context, exec Execution) (*Outcome, error) {
	lead, workers := exec.Agents[0], exec.Agents[1:]

	// A lone agent has nobody to delegate to.
	if len(workers) == 0 {
		return c.sequential(ctx, exec)
	}

	out := &Outcome{}

	plan := c.invoke(ctx, exec, lead, core.PromptInput{Phase: core.PhaseDecompose, Workers: workers})
	if plan.Status.Ran() {
		out.Invocations = append(out.Invocations, plan)
	}

	if !plan.Succeeded() {
		out.Reason = core.ReasonDecomposition
		out.Cancelled = plan.Status == core.AgentCancelled
		out.Results = append(out.Results, plan)

		for _, w := range workers {
			out.Results = append(out.Results, core.AgentResult{AgentID: w.ID, Phase: core.PhaseExecute, Status: core.AgentSkipped})
		}

		return out, nil
	}

	subtasks := lead.ParseResponse(plan.Output).Subtasks
	if err := c.put(ctx, exec.TaskID, KeyPlan, subtasks, lead.ID); err != nil {
		out.Results = append([]core.AgentResult{plan}, skipped(workers)...)
		return out, err
	}

	assignments := assignSubtasks(subtasks, len(workers))

	jobs := make([]job, len(workers))
	for i, w := range workers {
		jobs[i] = job{agent: w, in: core.PromptInput{Phase: core.PhaseExecute, Subtask: assignments[i]}}
	}

	workerResults, err := c.fanOut(ctx, exec, jobs)
	out.Invocations = append(out.Invocations, ran(workerResults)...)

	if err != nil {
		out.Results = append([]core.AgentResult{plan}, workerResults...)
		return out, err
	}

	outputs := map[string]string{}

	for _, r := range workerResults {
		if r.Succeeded() {
			outputs[r.AgentID] = r.Output
		}
	}

	final := plan

	if len(outputs) > 0 {
		synth := c.invoke(ctx, exec, lead, core.PromptInput{Phase: core.PhaseSynthesize, WorkerOutputs: outputs})
		if synth.Status.Ran() {
			out.Invocations = append(out.Invocations, synth)
		}

		final = synth

		if synth.Succeeded() {
			out.Output = synth.Output

			if err := c.put(ctx, exec.TaskID, KeySynthesis, contribution(synth), lead.ID); err != nil {
				out.Results = append([]core.AgentResult{final}, workerResults...)
				return out, err
			}
		}
	}

	if out.Output == "" {
		out.Output = JoinOutputs(workerResults)
	}

	out.Results = append([]core.AgentResult{final}, workerResults...)

	return out, nil
}

func (c *Coordinator) peer(ctx context.Context, exec Execution) (*Outcome, error) {
	rounds := exec.rounds()
	ns := core.TaskNamespace(exec.TaskID)
	out := &Outcome{}

	final := make(map[string]core.AgentResult, len(exec.Agents))

	for round := 1; round <= rounds; round++ {
		if ctx.Err() != nil {
			out.Cancelled = true
			break
		}

		// One snapshot per round, shared by every agent of the round.
		snap, err := c.store.Snapshot(ctx, ns)
		if err != nil {
			if ctx.Err() != nil {
				out.Cancelled = true
				break
			}

			out.Results = peerResults(exec.Agents, final)

			return out, core.Infrastructure("shared context snapshot", err)
		}

		jobs := make([]job, len(exec.Agents))
		for i, a := range exec.Agents {
			peerSnap := snap.Clone()
			jobs[i] = job{agent: a, in: core.PromptInput{Phase: core.PhasePeer, Round: round, Rounds: rounds, Peer: &peerSnap}}
		}

		results, err := c.fanOut(ctx, exec, jobs)
		out.Invocations = append(out.Invocations, ran(results)...)

		for _, r := range results {
			if prev, ok := final[r.AgentID]; !ok || r.Status.Ran() || !prev.Status.Ran() {
				final[r.AgentID] = r
			}
		}

		if err != nil {
			out.Results = peerResults(exec.Agents, final)
			return out, err
		}

		ev := core.NewEvent(exec.TaskID, core.EventRoundCompleted)
		ev.Round = round
		ev.Data = map[string]any{"rounds": rounds, "succeeded": len(succeeded(results))}
		c.publish(context.WithoutCancel(ctx), ev)
	}

	out.Results = peerResults(exec.Agents, final)

	snap, err := c.store.Snapshot(context.WithoutCancel(ctx), ns)
	if err != nil {
		return out, core.Infrastructure("shared context snapshot", err)
	}

	out.Output = renderSnapshot(snap)

	return out, nil
}

// peerResults keeps, per agent, its latest invocation that actually ran.
func peerResults(agents []core.AgentDefinition, final map[string]core.AgentResult) []core.AgentResult {
	out := make([]core.AgentResult, 0, len(agents))

	for _, a := range agents {
		r, ok := final[a.ID]
		if !ok {
			r = core.AgentResult{AgentID: a.ID, Phase: core.PhasePeer, Status: core.AgentCancelled}
		}

		out = append(out, r)
	}

	return out
}

func ran(results []core.AgentResult) []core.AgentResult {
	var out []core.AgentResult

	for _, r := range results {
		if r.Status.Ran() {
			out = append(out, r)
		}
	}

	return out
}

func succeeded(results []core.AgentResult) []core.AgentResult {
	var out []core.AgentResult

	for _, r := range results {
		if r.Succeeded() {
			out = append(out, r)
		}
	}

	return out
}

func skipped(agents []core.AgentDefinition) []core.AgentResult {
	out := make([]core.AgentResult, len(agents))
	for i, a := range agents {
		out[i] = core.AgentResult{AgentID: a.ID, Phase: core.PhaseExecute, Status: core.AgentSkipped}
	}

	return out
}
