package catalog

import "fmt"

// VError describes a single validation error in a catalog.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validate checks every module definition. An empty result means the
// definitions can be handed to NewRegistry.
func Validate(defs []ModuleDefinition) []VError {
	var errs []VError
	seen := make(map[string]int, len(defs))

	for i, def := range defs {
		prefix := fmt.Sprintf("modules[%d]", i)
		if def.SourceFile != "" {
			prefix = def.SourceFile + ":" + prefix
		}

		if def.Module == "" {
			errs = append(errs, VError{Path: prefix + ".module", Code: "REQUIRED", Message: "module is required"})
		} else if first, dup := seen[def.Module]; dup {
			errs = append(errs, VError{Path: prefix + ".module", Code: "DUPLICATE", Message: fmt.Sprintf("module %q already defined at modules[%d]", def.Module, first)})
		} else {
			seen[def.Module] = i
		}

		errs = append(errs, validateStages(prefix, def.Stages)...)
	}
	return errs
}

func validateStages(prefix string, stages []StageTemplate) []VError {
	if len(stages) == 0 {
		return []VError{{Path: prefix + ".stages", Code: "REQUIRED", Message: "at least one stage is required"}}
	}

	var errs []VError
	orders := make(map[int]bool, len(stages))
	numbers := make(map[int]bool, len(stages))

	for i, s := range stages {
		sp := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if s.Role == "" {
			errs = append(errs, VError{Path: sp + ".role", Code: "REQUIRED", Message: "role is required"})
		}
		if s.StageNumber <= 0 {
			errs = append(errs, VError{Path: sp + ".stage_number", Code: "RANGE", Message: "stage_number must be positive"})
		} else if numbers[s.StageNumber] {
			errs = append(errs, VError{Path: sp + ".stage_number", Code: "DUPLICATE", Message: fmt.Sprintf("stage_number %d is used twice", s.StageNumber)})
		}
		numbers[s.StageNumber] = true

		if orders[s.Order] {
			errs = append(errs, VError{Path: sp + ".order", Code: "DUPLICATE", Message: fmt.Sprintf("order %d is used twice", s.Order)})
		}
		orders[s.Order] = true
	}
	return errs
}
