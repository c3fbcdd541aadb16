// Package derived evaluates derived parameters: synthetic MSIDs defined as
// pure functions of other channels on a uniform time grid. Each
// (content root, time step) pair forms a synthetic content type whose
// output flows through the ordinary ingest pipeline, so catalogs, stats and
// fetches treat derived channels like any other telemetry.
package derived // import "github.com/telarc/telarc/derived"

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/telarc/telarc"
)

// RootData is one root channel aligned to the evaluation grid.
type RootData struct {
	Times []float64
	Vals  []float64
	Bads  []bool
}

// Input maps root MSID names to their grid-aligned data.
type Input map[string]RootData

// CalcFunc computes the derived values from grid-aligned roots. It must be
// pure and return exactly one value per grid point.
type CalcFunc func(Input) ([]float64, error)

// Definition declares one derived parameter.
type Definition struct {
	// Name of the derived channel; the DP_ prefix is mandatory.
	Name string

	// ContentRoot groups definitions into synthetic contents together
	// with TimeStep.
	ContentRoot string

	// RootMSIDs are the input channels.
	RootMSIDs []string

	// TimeStep is the uniform grid step in seconds. Validate requires it
	// to be positive; it is not checked against the mission minor frame.
	TimeStep float64

	Calc CalcFunc
}

// Validate returns an error if the definition is not usable.
func (d *Definition) Validate() error {
	name := telarc.CanonicalName(d.Name)
	if !strings.HasPrefix(name, "DP_") {
		return fmt.Errorf("derived parameter %q: name must start with DP_", d.Name)
	}
	if d.ContentRoot == "" {
		return fmt.Errorf("derived parameter %s: content root required", name)
	}
	if len(d.RootMSIDs) == 0 {
		return fmt.Errorf("derived parameter %s: at least one root MSID required", name)
	}
	if d.TimeStep <= 0 {
		return fmt.Errorf("derived parameter %s: time step must be positive", name)
	}
	if d.Calc == nil {
		return fmt.Errorf("derived parameter %s: calc function required", name)
	}
	return nil
}

// ContentName returns the synthetic content name for the definition's
// (content root, time step) pair, e.g. dp_eps205 for a 2.05 s grid.
func (d *Definition) ContentName() string {
	return fmt.Sprintf("dp_%s%d", telarc.CanonicalContent(d.ContentRoot),
		int(math.Round(d.TimeStep*100)))
}

// Registry holds derived-parameter definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates and adds a definition. Re-registering a name replaces
// the earlier definition.
func (r *Registry) Register(d *Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	stored := *d
	stored.Name = telarc.CanonicalName(d.Name)
	roots := make([]string, len(d.RootMSIDs))
	for i, root := range d.RootMSIDs {
		roots[i] = telarc.CanonicalName(root)
	}
	stored.RootMSIDs = roots

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[stored.Name] = &stored
	return nil
}

// Get returns a definition by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[telarc.CanonicalName(name)]
	return d, ok
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByContent groups the definitions by synthetic content name, each group
// sorted by definition name.
func (r *Registry) ByContent() map[string][]*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]*Definition)
	for _, d := range r.defs {
		content := d.ContentName()
		out[content] = append(out[content], d)
	}
	for _, defs := range out {
		sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	}
	return out
}
