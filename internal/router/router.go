package router

import (
	"errors"
	"fmt"
	"strings"

	"pal-router/internal/models"
	"pal-router/internal/registry"
)

// ErrUnroutableRequest indicates no policy layer resolved a model.
var ErrUnroutableRequest = errors.New("no routing policy resolved a model")

// AutoSentinel is the default-model value that enables heuristic routing.
const AutoSentinel = "auto"

// PolicyKind discriminates the routing policy variant.
type PolicyKind int

const (
	PolicyFixed PolicyKind = iota
	PolicyAuto
)

// Policy is the configured default-model policy: either a fixed
// provider/model identifier or the auto sentinel backed by a task-complexity
// heuristic.
type Policy struct {
	Kind  PolicyKind
	Fixed string
}

// ParsePolicy interprets a configured default_model value.
func ParsePolicy(value string) Policy {
	if strings.EqualFold(strings.TrimSpace(value), AutoSentinel) {
		return Policy{Kind: PolicyAuto}
	}
	return Policy{Kind: PolicyFixed, Fixed: strings.TrimSpace(value)}
}

// Task tags accepted as complexity hints for auto routing.
const (
	TaskFast      = "fast"
	TaskBalanced  = "balanced"
	TaskReasoning = "reasoning"
)

// Request carries what the router needs to pick a model.
type Request struct {
	// Explicit is the caller-supplied identifier. When set it always wins;
	// the router never downgrades an explicit request.
	Explicit string

	// TaskTag is a coarse complexity hint consulted only under the auto
	// policy. Unknown tags fall back to balanced.
	TaskTag string
}

// Router resolves invocation targets against the registry. The default-model
// policy is injected at construction; there is no process-wide mutable state.
type Router struct {
	registry *registry.Registry
	policy   Policy
}

// New constructs a router with the given policy.
func New(reg *registry.Registry, policy Policy) *Router {
	return &Router{
		registry: reg,
		policy:   policy,
	}
}

// Resolve picks the target model. Order: explicit identifier, then the fixed
// default policy, then the complexity heuristic under auto.
func (r *Router) Resolve(req Request) (models.ModelDescriptor, error) {
	if strings.TrimSpace(req.Explicit) != "" {
		descriptor, err := r.registry.Lookup(req.Explicit)
		if err != nil {
			return models.ModelDescriptor{}, err
		}
		return descriptor, nil
	}

	switch r.policy.Kind {
	case PolicyFixed:
		descriptor, err := r.registry.Lookup(r.policy.Fixed)
		if err != nil {
			return models.ModelDescriptor{}, fmt.Errorf("default model policy: %w", err)
		}
		return descriptor, nil
	case PolicyAuto:
		return r.resolveAuto(req.TaskTag)
	default:
		return models.ModelDescriptor{}, fmt.Errorf("%w: unknown policy", ErrUnroutableRequest)
	}
}

func (r *Router) resolveAuto(taskTag string) (models.ModelDescriptor, error) {
	known := r.registry.Known()
	if len(known) == 0 {
		return models.ModelDescriptor{}, fmt.Errorf("%w: registry catalog is empty", ErrUnroutableRequest)
	}

	preferred := tierFor(taskTag)
	if descriptor, ok := firstInTier(known, preferred); ok {
		return descriptor, nil
	}
	if descriptor, ok := firstInTier(known, models.CostTierMedium); ok {
		return descriptor, nil
	}
	return known[0], nil
}

func tierFor(taskTag string) models.CostTier {
	switch strings.ToLower(strings.TrimSpace(taskTag)) {
	case TaskFast:
		return models.CostTierLow
	case TaskReasoning:
		return models.CostTierHigh
	default:
		return models.CostTierMedium
	}
}

func firstInTier(known []models.ModelDescriptor, tier models.CostTier) (models.ModelDescriptor, bool) {
	for _, descriptor := range known {
		if descriptor.CostTier == tier {
			return descriptor, true
		}
	}
	return models.ModelDescriptor{}, false
}
