package gateway

import (
	"context"
	"encoding/json"

	"modelgate/pkg/llm"
)

// Tool is one invocable capability offered to models that support function
// calling.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON Schema of the tool's argument object.
	Schema json.RawMessage
	// Run executes the tool with the model-produced arguments.
	Run func(ctx context.Context, args json.RawMessage) (string, error)
}

// Catalog is the fixed set of tools this process can dispatch.
type Catalog struct {
	tools map[string]Tool
}

// NewCatalog indexes tools by name. Later duplicates replace earlier ones.
func NewCatalog(tools ...Tool) *Catalog {
	c := &Catalog{tools: make(map[string]Tool, len(tools))}
	for _, tool := range tools {
		c.tools[tool.Name] = tool
	}
	return c
}

// Select maps requested names to catalog tools, preserving request order.
// Unknown names are dropped silently: tools are additive capabilities, not a
// contract the caller can rely on existing.
func (c *Catalog) Select(names []string) []Tool {
	var selected []Tool
	seen := map[string]bool{}
	for _, name := range names {
		tool, ok := c.tools[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		selected = append(selected, tool)
	}
	return selected
}

// Definitions converts tools to the wire form backends consume.
func Definitions(tools []Tool) []llm.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Schema,
		})
	}
	return defs
}
