package agent

import "encoding/json"

// maxInputFieldLen limits string fields of recorded tool inputs so history
// entries stay small.
const maxInputFieldLen = 256

// RedactInput truncates long string fields of a tool input object. Non-object
// inputs and unparseable payloads are returned as-is.
func RedactInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	changed := false
	for k, v := range obj {
		if s, ok := v.(string); ok && len(s) > maxInputFieldLen {
			obj[k] = s[:maxInputFieldLen] + "..."
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}
