package providers

import "strings"

// geminiUnsupportedSchemaKeys are JSON-schema keywords the Gemini
// OpenAI-compat endpoint rejects with HTTP 400.
var geminiUnsupportedSchemaKeys = map[string]bool{
	"$schema":              true,
	"additionalProperties": true,
	"default":              true,
	"examples":             true,
}

// CleanToolSchemas converts tool definitions to the provider's wire format,
// stripping schema keywords the named provider rejects.
func CleanToolSchemas(providerName string, tools []ToolDefinition) []map[string]interface{} {
	strict := strings.Contains(strings.ToLower(providerName), "gemini")
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		params := t.Function.Parameters
		if strict {
			params = cleanSchema(params)
		}
		out = append(out, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// CleanSchemaForProvider strips schema keywords the named provider rejects
// from a single tool parameters schema.
func CleanSchemaForProvider(providerName string, schema map[string]interface{}) map[string]interface{} {
	if !strings.Contains(strings.ToLower(providerName), "gemini") {
		return schema
	}
	return cleanSchema(schema)
}

func cleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		if geminiUnsupportedSchemaKeys[k] {
			continue
		}
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cleanSchema(val)
		case []interface{}:
			cleaned := make([]interface{}, 0, len(val))
			for _, item := range val {
				if m, ok := item.(map[string]interface{}); ok {
					cleaned = append(cleaned, cleanSchema(m))
				} else {
					cleaned = append(cleaned, item)
				}
			}
			out[k] = cleaned
		default:
			out[k] = v
		}
	}
	return out
}
