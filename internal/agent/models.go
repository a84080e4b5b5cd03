package agent

// Model allow-list. Short aliases and full ids map bidirectionally; anything
// outside this closed set is rejected by SetModel.
type ModelOption struct {
	ID    string
	Short string
}

var modelOptions = []ModelOption{
	{ID: "claude-sonnet-4-5", Short: "sonnet"},
	{ID: "claude-opus-4-1", Short: "opus"},
	{ID: "claude-haiku-3-5", Short: "haiku"},
}

// ModelOptions returns the allow-list in stable order.
func ModelOptions() []ModelOption {
	out := make([]ModelOption, len(modelOptions))
	copy(out, modelOptions)
	return out
}

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// ResolveModelID maps a short alias to its full id. Full ids map to
// themselves. Unknown ids pass through unchanged.
func ResolveModelID(id string) string {
	for _, m := range modelOptions {
		if id == m.Short || id == m.ID {
			return m.ID
		}
	}
	return id
}

// ShortModelID maps a full id to its short alias. Short aliases map to
// themselves. Unknown ids pass through unchanged.
func ShortModelID(id string) string {
	for _, m := range modelOptions {
		if id == m.Short || id == m.ID {
			return m.Short
		}
	}
	return id
}

// KnownModel reports whether id (short or full) is on the allow-list.
func KnownModel(id string) bool {
	for _, m := range modelOptions {
		if id == m.Short || id == m.ID {
			return true
		}
	}
	return false
}
