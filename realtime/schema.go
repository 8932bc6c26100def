package realtime

import (
	"strings"

	"google.golang.org/genai"
)

// ToolFromDeclaration converts a Gemini-style function declaration into the
// realtime tool shape, lowering the schema to plain JSON Schema.
func ToolFromDeclaration(decl *genai.FunctionDeclaration) Tool {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if decl.Parameters != nil {
		params = schemaToJSON(decl.Parameters)
	}
	return Tool{
		Type:        "function",
		Name:        decl.Name,
		Description: decl.Description,
		Parameters:  params,
	}
}

func schemaToJSON(s *genai.Schema) map[string]any {
	out := map[string]any{}
	if s.Type != "" {
		out["type"] = strings.ToLower(string(s.Type))
	}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if s.Format != "" {
		out["format"] = s.Format
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	if s.Items != nil {
		out["items"] = schemaToJSON(s.Items)
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = schemaToJSON(prop)
		}
		out["properties"] = props
	} else if s.Type == genai.TypeObject {
		out["properties"] = map[string]any{}
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}
