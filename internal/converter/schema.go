package converter

import "strings"

// schemaBlacklist lists JSON Schema fields the Gemini API rejects.
var schemaBlacklist = []string{
	"$schema", "additionalProperties", "minLength", "maxLength",
	"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum",
	"pattern", "format", "default", "examples", "title",
	"$id", "$ref", "$defs", "definitions", "const",
}

// CleanJSONSchema recursively removes fields not supported by Gemini and
// collapses union types to the first non-null member. Mutates in place;
// callers that need the original intact must deep-copy first.
func CleanJSONSchema(schema map[string]interface{}) {
	for _, key := range schemaBlacklist {
		delete(schema, key)
	}

	// Union types: ["string", "null"] -> "string"
	if typeVal, ok := schema["type"]; ok {
		if arr, ok := typeVal.([]interface{}); ok && len(arr) > 0 {
			for _, t := range arr {
				if s, ok := t.(string); ok && s != "null" {
					schema["type"] = strings.ToLower(s)
					break
				}
			}
		} else if s, ok := typeVal.(string); ok {
			schema["type"] = strings.ToLower(s)
		}
	}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for _, v := range props {
			if nested, ok := v.(map[string]interface{}); ok {
				CleanJSONSchema(nested)
			}
		}
	}

	if items, ok := schema["items"].(map[string]interface{}); ok {
		CleanJSONSchema(items)
	}

	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := schema[key].([]interface{}); ok {
			for _, item := range arr {
				if nested, ok := item.(map[string]interface{}); ok {
					CleanJSONSchema(nested)
				}
			}
		}
	}
}

// DeepCopyMap creates a deep copy of a JSON-shaped map.
func DeepCopyMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case map[string]interface{}:
			dst[key] = DeepCopyMap(v)
		case []interface{}:
			dst[key] = deepCopySlice(v)
		default:
			dst[key] = v
		}
	}
	return dst
}

func deepCopySlice(src []interface{}) []interface{} {
	if src == nil {
		return nil
	}
	dst := make([]interface{}, len(src))
	for i, value := range src {
		switch v := value.(type) {
		case map[string]interface{}:
			dst[i] = DeepCopyMap(v)
		case []interface{}:
			dst[i] = deepCopySlice(v)
		default:
			dst[i] = v
		}
	}
	return dst
}
