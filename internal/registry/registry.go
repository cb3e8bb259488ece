package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"pal-router/internal/models"
)

// ErrUnresolvedIdentifier indicates a model identifier that is not a
// well-formed provider/model string.
var ErrUnresolvedIdentifier = errors.New("unresolved model identifier")

// ErrDuplicateModel indicates an attempt to register the same identifier twice.
var ErrDuplicateModel = errors.New("model already registered")

// Registry maintains capability metadata for known models and synthesises
// conservative descriptors for unregistered but well-formed identifiers.
type Registry struct {
	mu           sync.RWMutex
	known        map[string]models.ModelDescriptor
	order        []string
	contextFloor int
}

// New constructs an empty registry. contextFloor is the context window
// assumed for models absent from the catalog.
func New(contextFloor int) *Registry {
	return &Registry{
		known:        make(map[string]models.ModelDescriptor),
		contextFloor: contextFloor,
	}
}

type catalogFile struct {
	Models []catalogEntry `yaml:"models"`
}

type catalogEntry struct {
	Identifier    string   `yaml:"identifier"`
	ContextWindow int      `yaml:"context_window"`
	CostTier      string   `yaml:"cost_tier"`
	Strengths     []string `yaml:"strengths"`
}

// Load reads a YAML capability catalog and returns a populated registry.
func Load(path string, contextFloor int) (*Registry, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %q: %w", absPath, err)
	}

	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog file %q: %w", absPath, err)
	}

	r := New(contextFloor)
	for _, entry := range catalog.Models {
		provider, modelID, err := SplitIdentifier(entry.Identifier)
		if err != nil {
			return nil, fmt.Errorf("catalog entry %q: %w", entry.Identifier, err)
		}

		contextWindow := entry.ContextWindow
		if contextWindow <= 0 {
			contextWindow = contextFloor
		}

		descriptor := models.ModelDescriptor{
			Provider:      provider,
			ID:            modelID,
			ContextWindow: contextWindow,
			CostTier:      models.ParseCostTier(entry.CostTier),
			Strengths:     entry.Strengths,
		}
		if err := r.Register(descriptor); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor to the known set.
func (r *Registry) Register(d models.ModelDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := d.Identifier()
	if _, exists := r.known[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, key)
	}
	r.known[key] = d
	r.order = append(r.order, key)
	return nil
}

// Lookup resolves an identifier to a descriptor. Identifiers present in the
// catalog return enriched metadata; any other well-formed provider/model
// string yields a generic passthrough descriptor with conservative defaults.
// Lookup fails only for malformed identifiers.
func (r *Registry) Lookup(identifier string) (models.ModelDescriptor, error) {
	provider, modelID, err := SplitIdentifier(identifier)
	if err != nil {
		return models.ModelDescriptor{}, err
	}

	key := provider + "/" + modelID

	r.mu.RLock()
	defer r.mu.RUnlock()

	if descriptor, ok := r.known[key]; ok {
		return descriptor, nil
	}

	return models.ModelDescriptor{
		Provider:      provider,
		ID:            modelID,
		ContextWindow: r.contextFloor,
		CostTier:      models.CostTierMedium,
	}, nil
}

// Known returns all catalogued descriptors in registration order.
func (r *Registry) Known() []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]models.ModelDescriptor, 0, len(r.order))
	for _, key := range r.order {
		result = append(result, r.known[key])
	}
	return result
}

// SplitIdentifier parses a provider/model identifier. The model part may
// itself contain slashes; the split happens at the first separator.
func SplitIdentifier(identifier string) (provider, modelID string, err error) {
	trimmed := strings.TrimSpace(identifier)
	provider, modelID, found := strings.Cut(trimmed, "/")
	if !found || provider == "" || modelID == "" {
		return "", "", fmt.Errorf("%w: %q is not a provider/model string", ErrUnresolvedIdentifier, identifier)
	}
	return provider, modelID, nil
}
