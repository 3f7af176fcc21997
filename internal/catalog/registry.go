package catalog

import (
	"slices"
	"sort"
	"sync/atomic"

	"github.com/pitabwire/signoff/model"
)

type snapshot struct {
	modules map[string][]StageTemplate
}

// Registry is a read-optimized, thread-safe lookup from module name to its
// ordered stage templates. Reads are lock-free.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from already validated definitions.
func NewRegistry(defs []ModuleDefinition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents. Stages are stored sorted by
// ascending order.
func (r *Registry) Replace(defs []ModuleDefinition) {
	s := &snapshot{modules: make(map[string][]StageTemplate, len(defs))}
	for _, def := range defs {
		stages := make([]StageTemplate, len(def.Stages))
		copy(stages, def.Stages)
		sort.SliceStable(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
		s.modules[def.Module] = stages
	}
	r.snap.Store(s)
}

// Stages returns a copy of the stage templates for module. It fails with
// UNKNOWN_MODULE when the module has no configured stages.
func (r *Registry) Stages(module string) ([]StageTemplate, error) {
	stages, ok := r.snap.Load().modules[module]
	if !ok || len(stages) == 0 {
		return nil, model.NewUnknownModuleError(module)
	}
	return slices.Clone(stages), nil
}

// Modules returns a copy of every configured module, sorted by name.
func (r *Registry) Modules() []ModuleDefinition {
	s := r.snap.Load()
	out := make([]ModuleDefinition, 0, len(s.modules))
	for name, stages := range s.modules {
		out = append(out, ModuleDefinition{Module: name, Stages: slices.Clone(stages)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}

// Len returns the number of configured modules.
func (r *Registry) Len() int {
	return len(r.snap.Load().modules)
}
