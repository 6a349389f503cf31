package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/logging"
)

// Options configures a Registry.
type Options struct {
	// Catalog seeds the registry. Nil loads the built-in catalog.
	Catalog *Catalog
	// Alpha is the smoothing factor for performance feedback.
	Alpha  float64
	Clock  func() time.Time
	Logger logging.Logger
}

// Registry is the agent catalog. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]core.AgentDefinition
	defaults map[string][]string

	alpha  float64
	clock  func() time.Time
	logger logging.Logger
}

// New creates a registry seeded from the configured catalog.
func New(optFns ...func(o *Options)) (*Registry, error) {
	opts := Options{
		Alpha:  0.2,
		Clock:  time.Now,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Catalog == nil {
		opts.Catalog = BuiltinCatalog()
	}

	r := &Registry{
		agents:   map[string]core.AgentDefinition{},
		defaults: map[string][]string{},
		alpha:    opts.Alpha,
		clock:    opts.Clock,
		logger:   logging.Component(opts.Logger, "registry"),
	}

	if err := r.Replace(opts.Catalog); err != nil {
		return nil, err
	}

	return r, nil
}

// Register adds or replaces an agent definition.
func (r *Registry) Register(def core.AgentDefinition) error {
	if err := validateAgent(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[def.ID] = def.Clone()

	return nil
}

// Remove deletes an agent and drops it from every default mapping.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.agents, id)

	for typ, ids := range r.defaults {
		kept := ids[:0:0]

		for _, v := range ids {
			if v != id {
				kept = append(kept, v)
			}
		}

		if len(kept) == 0 {
			delete(r.defaults, typ)
		} else {
			r.defaults[typ] = kept
		}
	}
}

// Get returns the agent with the given ID.
func (r *Registry) Get(id string) (core.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.agents[id]
	if !ok {
		return core.AgentDefinition{}, false
	}

	return def.Clone(), true
}

// List returns all agents sorted by ID.
func (r *Registry) List() []core.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.AgentDefinition, 0, len(r.agents))
	for _, def := range r.agents {
		out = append(out, def.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// SetDefault maps a task type to an ordered default agent set. Every agent
// must already be registered.
func (r *Registry) SetDefault(taskType string, agentIDs ...string) error {
	key := normalizeType(taskType)
	if key == "" {
		return errors.New("task type is required")
	}

	if len(agentIDs) == 0 {
		return fmt.Errorf("task type %s: default agent set is empty", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range agentIDs {
		if _, ok := r.agents[id]; !ok {
			return fmt.Errorf("task type %s: unknown agent %q", taskType, id)
		}
	}

	r.defaults[key] = append([]string(nil), agentIDs...)

	return nil
}

// Defaults returns the default agent IDs for a task type.
func (r *Registry) Defaults(taskType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.defaults[normalizeType(taskType)]...)
}

// KnownTaskTypes returns the task types that have a default mapping.
func (r *Registry) KnownTaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.defaults))
	for typ := range r.defaults {
		out = append(out, typ)
	}

	sort.Strings(out)

	return out
}

// Select resolves the ordered agent list for a task.
//
// A non-empty hint is filtered to registered agents whose capabilities are a
// superset of required, keeping hint order. If that leaves nothing, the
// task type's default set is used: filtered by required when possible, the
// full set otherwise, so a known task type never yields an empty list.
// Unknown task types without a default fail with core.ErrNoAgentAvailable.
func (r *Registry) Select(taskType string, required []string, hint []string) ([]core.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(hint) > 0 {
		if out := r.filter(hint, required); len(out) > 0 {
			return out, nil
		}

		r.logger.Debug("Ranked hint unusable, using default mapping", "task_type", taskType, "hint", hint)
	}

	ids, ok := r.defaults[normalizeType(taskType)]
	if !ok {
		return nil, fmt.Errorf("%w: task type %q", core.ErrNoAgentAvailable, taskType)
	}

	if out := r.filter(ids, required); len(out) > 0 {
		return out, nil
	}

	r.logger.Warn("No default agent has the required capabilities", "task_type", taskType, "required", required)

	out := r.filter(ids, nil)
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: task type %q has no registered default agents", core.ErrNoAgentAvailable, taskType)
	}

	return out, nil
}

func (r *Registry) filter(ids []string, required []string) []core.AgentDefinition {
	seen := map[string]bool{}

	var out []core.AgentDefinition

	for _, id := range ids {
		if seen[id] {
			continue
		}

		seen[id] = true

		def, ok := r.agents[id]
		if !ok || !def.HasCapabilities(required) {
			continue
		}

		out = append(out, def.Clone())
	}

	return out
}

// RecordOutcome folds one agent outcome into its performance summary.
// Unknown agents are ignored.
func (r *Registry) RecordOutcome(agentID string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.agents[agentID]
	if !ok {
		return
	}

	def.Performance = def.Performance.Observe(success, latency, r.alpha, r.clock())
	r.agents[agentID] = def
}

// Replace swaps the whole catalog. Performance summaries of agents that
// survive the swap are kept.
func (r *Registry) Replace(c *Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}

	agents := make(map[string]core.AgentDefinition, len(c.Agents))
	defaults := make(map[string][]string, len(c.Defaults))

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range c.Agents {
		def = def.Clone()
		if prev, ok := r.agents[def.ID]; ok && def.Performance.Runs == 0 {
			def.Performance = prev.Performance
		}

		agents[def.ID] = def
	}

	for typ, ids := range c.Defaults {
		defaults[normalizeType(typ)] = append([]string(nil), ids...)
	}

	r.agents = agents
	r.defaults = defaults

	r.logger.Info("Catalog loaded", "agents", len(agents), "task_types", len(defaults))

	return nil
}

func normalizeType(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func validateAgent(def core.AgentDefinition) error {
	if strings.TrimSpace(def.ID) == "" {
		return errors.New("agent id is required")
	}

	if len(def.Capabilities) == 0 {
		return fmt.Errorf("agent %s: at least one capability is required", def.ID)
	}

	return nil
}
