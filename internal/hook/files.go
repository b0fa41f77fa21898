package hook

// ChangedFiles extracts file paths from tool_input and tool_response,
// de-duplicated in first-seen order. Recognized shapes: file_path/filePath,
// file_paths/filePaths, files, and edits[].path|file_path.
func ChangedFiles(in *Input) []string {
	var paths []string
	paths = append(paths, filesFrom(in.ToolInput)...)
	if resp, ok := in.ToolResponse.(map[string]any); ok {
		paths = append(paths, filesFrom(resp)...)
	}
	return dedupe(paths)
}

func filesFrom(m map[string]any) []string {
	if m == nil {
		return nil
	}
	var out []string
	single := m["file_path"]
	if single == nil {
		single = m["filePath"]
	}
	if s, ok := single.(string); ok && s != "" {
		out = append(out, s)
	}
	plural := m["file_paths"]
	if plural == nil {
		plural = m["filePaths"]
	}
	out = append(out, stringList(plural)...)
	out = append(out, stringList(m["files"])...)
	if edits, ok := m["edits"].([]any); ok {
		for _, e := range edits {
			em, ok := e.(map[string]any)
			if !ok {
				continue
			}
			p, _ := em["path"].(string)
			if p == "" {
				p, _ = em["file_path"].(string)
			}
			if p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
