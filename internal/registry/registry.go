// Package registry resolves stable agent identifiers to live, ready-to-run
// agent instances and answers readiness queries without running anything.
//
// Dispatch is a closed table: every known agent id maps to a constructor in
// the factory table passed at startup. There is no reflection and no
// dynamic loading; an id without a factory is KindResolutionFailed.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/shinrai-ai/shinrai/internal/agent"
	"github.com/shinrai-ai/shinrai/internal/model"
)

// Factory constructs a concrete agent for one descriptor id.
type Factory func(ctx context.Context) (agent.Agent, error)

// CapabilityFn reports whether one required capability (an environment
// credential name) is currently satisfiable.
type CapabilityFn func(name string) bool

// EnvCapability is the default CapabilityFn: a capability is satisfied when
// the environment variable of the same name is non-empty.
func EnvCapability(name string) bool {
	return os.Getenv(name) != ""
}

// EnvReport is the result of a ValidateEnvironment check.
type EnvReport struct {
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing,omitempty"`
}

// Config holds the fixed descriptor table and factory table for a Registry.
type Config struct {
	Descriptors []model.AgentDescriptor
	Factories   map[string]Factory
	Capability  CapabilityFn // nil = EnvCapability
	Logger      *slog.Logger
}

// Registry maps agent ids to descriptors and lazily constructs instances.
// Constructed agents are cached; concurrent resolves of the same id share
// a single construction.
type Registry struct {
	descriptors map[string]model.AgentDescriptor
	factories   map[string]Factory
	capability  CapabilityFn
	logger      *slog.Logger

	mu    sync.RWMutex
	cache map[string]agent.Agent
	group singleflight.Group
}

// New validates the descriptor table and creates a Registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Capability == nil {
		cfg.Capability = EnvCapability
	}

	descriptors := make(map[string]model.AgentDescriptor, len(cfg.Descriptors))
	for _, d := range cfg.Descriptors {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		if _, dup := descriptors[d.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate agent id %q", d.ID)
		}
		descriptors[d.ID] = d
	}

	return &Registry{
		descriptors: descriptors,
		factories:   cfg.Factories,
		capability:  cfg.Capability,
		logger:      cfg.Logger,
		cache:       make(map[string]agent.Agent),
	}, nil
}

// Descriptors returns all descriptors sorted by id.
func (r *Registry) Descriptors() []model.AgentDescriptor {
	out := make([]model.AgentDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Descriptor looks up one descriptor by id.
func (r *Registry) Descriptor(agentID string) (model.AgentDescriptor, bool) {
	d, ok := r.descriptors[agentID]
	return d, ok
}

// ValidateEnvironment checks each required capability of agentID and
// returns the unsatisfied ones. Pure, no side effects. Fails with
// KindNotFound when the id is absent from the table.
func (r *Registry) ValidateEnvironment(agentID string) (EnvReport, error) {
	d, ok := r.descriptors[agentID]
	if !ok {
		return EnvReport{}, &Error{Kind: KindNotFound, AgentID: agentID}
	}

	var missing []string
	for _, cap := range d.RequiredCapabilities {
		if !r.capability(cap) {
			missing = append(missing, cap)
		}
	}
	return EnvReport{Valid: len(missing) == 0, Missing: missing}, nil
}

// IsAvailable reports whether agentID exists, is enabled, and has all
// required capabilities satisfied. No side effects; safe to poll.
func (r *Registry) IsAvailable(agentID string) bool {
	d, ok := r.descriptors[agentID]
	if !ok || !d.Enabled {
		return false
	}
	report, err := r.ValidateEnvironment(agentID)
	return err == nil && report.Valid
}

// Resolve returns a live agent for agentID, constructing and caching it on
// first use. Failure kinds, in check order: KindNotFound, KindDisabled,
// KindMissingCapability, KindResolutionFailed.
func (r *Registry) Resolve(ctx context.Context, agentID string) (agent.Agent, error) {
	d, ok := r.descriptors[agentID]
	if !ok {
		return nil, &Error{Kind: KindNotFound, AgentID: agentID}
	}
	if !d.Enabled {
		return nil, &Error{Kind: KindDisabled, AgentID: agentID}
	}
	report, err := r.ValidateEnvironment(agentID)
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		return nil, &Error{Kind: KindMissingCapability, AgentID: agentID, Missing: report.Missing}
	}

	r.mu.RLock()
	cached, ok := r.cache[agentID]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	// Concurrent resolves of the same id share one construction.
	v, err, _ := r.group.Do(agentID, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.cache[agentID]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		factory, ok := r.factories[agentID]
		if !ok {
			return nil, &Error{Kind: KindResolutionFailed, AgentID: agentID,
				Err: fmt.Errorf("no factory registered")}
		}
		a, err := factory(ctx)
		if err != nil {
			return nil, &Error{Kind: KindResolutionFailed, AgentID: agentID, Err: err}
		}

		r.mu.Lock()
		r.cache[agentID] = a
		r.mu.Unlock()
		r.logger.Debug("registry: agent constructed", "agent_id", agentID)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(agent.Agent), nil
}
