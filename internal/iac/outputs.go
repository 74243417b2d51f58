package iac

import (
	"encoding/json"
	"fmt"
)

// ParseOutputs decodes `terraform output -json` and unwraps each
// {"value": x, "type": ..., "sensitive": ...} entry to x. Entries without a
// value field are kept as they are.
func ParseOutputs(raw []byte) (map[string]any, error) {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid terraform output: %w", err)
	}

	out := make(map[string]any, len(decoded))
	for k, v := range decoded {
		if m, ok := v.(map[string]any); ok {
			if value, ok := m["value"]; ok {
				out[k] = value
				continue
			}
		}
		out[k] = v
	}
	return out, nil
}

// OutputString returns outputs[key] when it is a non-empty string.
func OutputString(outputs map[string]any, key string) (string, bool) {
	s, ok := outputs[key].(string)
	return s, ok && s != ""
}
