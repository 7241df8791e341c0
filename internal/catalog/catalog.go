// Package catalog provides an in-memory step definition store and document class registry,
// loaded from YAML or JSON pipeline configuration files.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jonathan/patient-docs/internal/prompts"
	"github.com/jonathan/patient-docs/internal/schemas"
	"github.com/jonathan/patient-docs/internal/types"
)

// File is the on-disk layout of a pipeline configuration
type File struct {
	DocumentClasses []types.DocumentClass  `json:"document_classes" yaml:"document_classes" validate:"dive"`
	Steps           []types.StepDefinition `json:"steps" yaml:"steps" validate:"dive"`
}

// Catalog holds step definitions and document classes. It is safe for concurrent use; readers get
// deep copies so edits never reach a job that already took its snapshot.
type Catalog struct {
	mu      sync.RWMutex
	steps   []types.StepDefinition
	classes []types.DocumentClass
}

// New creates a catalog from already decoded definitions
func New(steps []types.StepDefinition, classes []types.DocumentClass) *Catalog {
	return &Catalog{
		steps:   types.CloneSteps(steps),
		classes: append([]types.DocumentClass(nil), classes...),
	}
}

// LoadFile reads a YAML or JSON configuration file. JSON is a subset of YAML so one decoder serves both.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline config %s: %w", path, err)
	}
	return c, nil
}

// LoadDefault returns the catalog built from the embedded default pipeline configuration.
func LoadDefault() (*Catalog, error) {
	data, err := prompts.Load(prompts.DefaultPipelineFile)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, schema-validates and struct-validates a configuration document.
func Parse(data []byte) (*Catalog, error) {
	f, err := ParseFile(data)
	if err != nil {
		return nil, err
	}
	return New(f.Steps, f.DocumentClasses), nil
}

// ParseFile decodes and validates a configuration document without building a catalog.
func ParseFile(data []byte) (*File, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	if err := schemas.ValidatePipelineConfig(raw); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline config: %w", err)
	}
	if err := Validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks struct constraints and cross references of a configuration.
func Validate(f *File) error {
	if err := validator.New().Struct(f); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}

	classIDs := make(map[int64]bool, len(f.DocumentClasses))
	classKeys := make(map[string]bool, len(f.DocumentClasses))
	for _, dc := range f.DocumentClasses {
		if classIDs[dc.ID] {
			return fmt.Errorf("invalid pipeline config: duplicate document class id %d", dc.ID)
		}
		if classKeys[dc.Key] {
			return fmt.Errorf("invalid pipeline config: duplicate document class key %s", dc.Key)
		}
		classIDs[dc.ID] = true
		classKeys[dc.Key] = true
	}

	stepIDs := make(map[int64]bool, len(f.Steps))
	branching := 0
	for _, s := range f.Steps {
		if stepIDs[s.ID] {
			return fmt.Errorf("invalid pipeline config: duplicate step id %d", s.ID)
		}
		stepIDs[s.ID] = true
		if s.DocumentClassID != nil && !classIDs[*s.DocumentClassID] {
			return fmt.Errorf("invalid pipeline config: step %s references unknown document class %d", s.Name, *s.DocumentClassID)
		}
		if s.Enabled && s.IsBranchingStep {
			branching++
		}
	}
	if branching > 1 {
		return fmt.Errorf("invalid pipeline config: %d enabled branching steps, at most one allowed", branching)
	}
	return nil
}

// LoadEnabledSteps returns all enabled steps sorted by order.
func (c *Catalog) LoadEnabledSteps(_ context.Context) ([]types.StepDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.StepDefinition
	for _, s := range c.steps {
		if s.Enabled {
			out = append(out, s.Clone())
		}
	}
	types.SortByOrder(out)
	return out, nil
}

// LoadStepsByDocumentClass returns the enabled steps bound to one document class, sorted by order.
func (c *Catalog) LoadStepsByDocumentClass(_ context.Context, classID int64) ([]types.StepDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.StepDefinition
	for _, s := range c.steps {
		if s.Enabled && s.DocumentClassID != nil && *s.DocumentClassID == classID {
			out = append(out, s.Clone())
		}
	}
	types.SortByOrder(out)
	return out, nil
}

// AllSteps returns every step including disabled ones, in configuration order.
func (c *Catalog) AllSteps() []types.StepDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.CloneSteps(c.steps)
}

// GetClassByKey looks up an enabled document class. Returns nil, nil when no class matches.
func (c *Catalog) GetClassByKey(_ context.Context, key string) (*types.DocumentClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, dc := range c.classes {
		if dc.Enabled && strings.EqualFold(dc.Key, key) {
			found := dc
			return &found, nil
		}
	}
	return nil, nil
}

// DocumentClasses returns the registered classes sorted by key.
func (c *Catalog) DocumentClasses() []types.DocumentClass {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := append([]types.DocumentClass(nil), c.classes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// UpsertStep inserts or replaces a step by id.
func (c *Catalog) UpsertStep(step types.StepDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.steps {
		if c.steps[i].ID == step.ID {
			c.steps[i] = step.Clone()
			return
		}
	}
	c.steps = append(c.steps, step.Clone())
}

// SetStepEnabled toggles a step. Returns false when the id is unknown.
func (c *Catalog) SetStepEnabled(id int64, enabled bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.steps {
		if c.steps[i].ID == id {
			c.steps[i].Enabled = enabled
			return true
		}
	}
	return false
}
