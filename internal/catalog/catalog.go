// Package catalog holds the per-module approval stage templates. Catalog files
// are YAML; the registry is built once at startup and swapped atomically on
// reload.
package catalog

// StageTemplate describes one stage every new workflow of a module receives.
type StageTemplate struct {
	StageNumber int    `yaml:"stage_number" json:"stage_number"`
	Role        string `yaml:"role" json:"role"`
	Order       int    `yaml:"order" json:"order"`
	Required    *bool  `yaml:"required,omitempty" json:"required,omitempty"`
}

// IsRequired reports whether the stage is required. Stages are required
// unless the catalog explicitly says otherwise.
func (t StageTemplate) IsRequired() bool {
	return t.Required == nil || *t.Required
}

// ModuleDefinition is the ordered list of stages for one business module.
type ModuleDefinition struct {
	Module     string          `yaml:"module" json:"module"`
	Stages     []StageTemplate `yaml:"stages" json:"stages"`
	SourceFile string          `yaml:"-" json:"-"`
}

// File is the top-level shape of a catalog YAML file.
type File struct {
	Modules []ModuleDefinition `yaml:"modules"`
}

// Defaults returns the built-in stage catalog used when no catalog
// directories are configured.
func Defaults() []ModuleDefinition {
	return []ModuleDefinition{
		{Module: "Property", Stages: []StageTemplate{
			{StageNumber: 1, Role: "Estates Officer", Order: 1},
			{StageNumber: 2, Role: "Property Manager", Order: 2},
		}},
		{Module: "Lease", Stages: []StageTemplate{
			{StageNumber: 1, Role: "Property Manager", Order: 1},
			{StageNumber: 2, Role: "Legal Officer", Order: 2},
		}},
		{Module: "Payment", Stages: []StageTemplate{
			{StageNumber: 1, Role: "Finance Officer", Order: 1},
			{StageNumber: 2, Role: "Finance Manager", Order: 2},
		}},
		{Module: "Sale", Stages: []StageTemplate{
			{StageNumber: 1, Role: "Estates Officer", Order: 1},
			{StageNumber: 2, Role: "Legal Officer", Order: 2},
			{StageNumber: 3, Role: "Director", Order: 3},
		}},
		{Module: "Termination", Stages: []StageTemplate{
			{StageNumber: 1, Role: "Property Manager", Order: 1},
			{StageNumber: 2, Role: "Legal Officer", Order: 2},
		}},
	}
}
