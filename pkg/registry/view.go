package registry

import (
	"sort"

	"github.com/fikri/lumen/pkg/llm"
)

// Visible computes the tool view presented to the model: always-visible
// tools (no category) plus tools whose category has been activated,
// optionally intersected with an allow-list. A nil allow-list means no
// restriction; an empty non-nil allow-list denies everything. Disabled
// tools never appear. The result is sorted by name so names are unique
// and stable within a view.
func (r *Registry) Visible(activatedCategories []string, allowList []string) []*RegisteredTool {
	activated := make(map[string]bool, len(activatedCategories))
	for _, cat := range activatedCategories {
		activated[cat] = true
	}

	var allowed map[string]bool
	if allowList != nil {
		allowed = make(map[string]bool, len(allowList))
		for _, name := range allowList {
			allowed[name] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var visible []*RegisteredTool
	for name, rt := range r.tools {
		if !rt.Enabled {
			continue
		}
		if cat := rt.Definition.Category; cat != "" && !activated[cat] {
			continue
		}
		if allowed != nil && !allowed[name] {
			continue
		}
		visible = append(visible, rt)
	}

	sort.Slice(visible, func(i, j int) bool {
		return visible[i].Definition.Name < visible[j].Definition.Name
	})

	return visible
}

// Specs converts registered tools to the wire shape sent to the model
func Specs(tools []*RegisteredTool) []llm.ToolSpec {
	if len(tools) == 0 {
		return nil
	}

	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, rt := range tools {
		specs = append(specs, llm.ToolSpec{
			Type: "function",
			Function: llm.FunctionSpec{
				Name:        rt.Definition.Name,
				Description: rt.Definition.Description,
				Parameters:  rt.ParameterSchema(),
			},
		})
	}
	return specs
}
