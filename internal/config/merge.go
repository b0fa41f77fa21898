package config

import "github.com/basket/hookrouter/internal/hook"

// mergeDocuments merges b over a. Event sections merge by task identity,
// nested maps recursively, everything else is replaced.
func mergeDocuments(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if hook.IsKnownEvent(k) {
			out[k] = mergeSections(out[k], v)
			continue
		}
		if am, ok := out[k].(map[string]any); ok {
			if bm, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(am, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if am, ok := out[k].(map[string]any); ok {
			if bm, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(am, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// splitSection accepts a bare list or a {tasks: [...]} mapping and returns the
// non-task keys and the task list.
func splitSection(section any) (map[string]any, []any) {
	switch s := section.(type) {
	case []any:
		return map[string]any{}, s
	case map[string]any:
		extra := make(map[string]any, len(s))
		for k, v := range s {
			if k != "tasks" {
				extra[k] = v
			}
		}
		tasks, _ := s["tasks"].([]any)
		return extra, tasks
	default:
		return map[string]any{}, nil
	}
}

// mergeSections applies b's remove list, then b's entries, over a's tasks.
// Replacements keep the position of the entry they replace; disabled entries
// delete their key. The remove list is consumed and not carried forward.
func mergeSections(a, b any) map[string]any {
	aExtra, aTasks := splitSection(a)
	bExtra, bTasks := splitSection(b)

	keys := make([]string, 0, len(aTasks)+len(bTasks))
	entries := make(map[string]any, len(aTasks)+len(bTasks))
	put := func(k string, v any) {
		if _, ok := entries[k]; !ok {
			keys = append(keys, k)
		}
		entries[k] = v
	}
	del := func(k string) {
		if _, ok := entries[k]; !ok {
			return
		}
		delete(entries, k)
		for i, existing := range keys {
			if existing == k {
				keys = append(keys[:i], keys[i+1:]...)
				break
			}
		}
	}
	for _, ent := range aTasks {
		if k := entryKey(ent); k != "" {
			put(k, ent)
		}
	}
	if removes, ok := bExtra["remove"].([]any); ok {
		for _, r := range removes {
			if k := entryKey(r); k != "" {
				del(k)
			}
		}
	}
	for _, ent := range bTasks {
		k := entryKey(ent)
		if k == "" {
			continue
		}
		if m, ok := ent.(map[string]any); ok {
			if disabled, _ := m["disabled"].(bool); disabled {
				del(k)
				continue
			}
		}
		put(k, ent)
	}

	tasks := make([]any, 0, len(keys))
	for _, k := range keys {
		tasks = append(tasks, entries[k])
	}

	out := make(map[string]any, len(aExtra)+len(bExtra)+1)
	for k, v := range aExtra {
		out[k] = v
	}
	for k, v := range bExtra {
		out[k] = v
	}
	delete(out, "remove")
	out["tasks"] = tasks
	return out
}
