package schema

// Clone returns a deep copy of the event so handlers cannot mutate queued state.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Data = cloneMap(e.Data)
	if e.Targets != nil {
		clone.Targets = make([]Target, len(e.Targets))
		copy(clone.Targets, e.Targets)
	}
	return &clone
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		copy(out, typed)
		return out
	default:
		return v
	}
}

// CloneData deep-copies an event payload.
func CloneData(in map[string]any) map[string]any {
	return cloneMap(in)
}
