package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/tasks"
)

const maxSyntaxFilesShown = 3

func checkJSON(data []byte) error {
	var v any
	err := json.Unmarshal(data, &v)
	var se *json.SyntaxError
	if errors.As(err, &se) {
		line, col := position(data, se.Offset)
		return fmt.Errorf("JSON syntax error: %s at line %d, column %d", se.Error(), line, col)
	}
	if err != nil {
		return fmt.Errorf("JSON syntax error: %w", err)
	}
	return nil
}

func checkYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var v any
		err := dec.Decode(&v)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("YAML syntax error: %s", strings.TrimPrefix(err.Error(), "yaml: "))
	}
}

func position(data []byte, offset int64) (int, int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	before := data[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := int(offset) - bytes.LastIndexByte(before, '\n')
	return line, col
}

// syntaxKind picks a checker by extension, sniffing unknown files.
func syntaxKind(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "JSON"
	case ".yml", ".yaml":
		return "YAML"
	}
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("{")) || bytes.HasPrefix(trimmed, []byte("[")) {
		return "JSON"
	}
	return "YAML"
}

var configExts = map[string]struct{}{".json": {}, ".yml": {}, ".yaml": {}}

// ConfigSyntax reports JSON and YAML files that no longer parse.
func ConfigSyntax(ctx context.Context, p tasks.Payload) ([]hook.Outcome, error) {
	var problems []string
	for _, path := range existingFiles(p) {
		if _, ok := configExts[strings.ToLower(filepath.Ext(path))]; !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		kind := syntaxKind(path, data)
		check := checkYAML
		if kind == "JSON" {
			check = checkJSON
		}
		if err := check(data); err != nil {
			problems = append(problems, fmt.Sprintf("%s (%s): %v", filepath.Base(path), kind, err))
		}
	}
	if len(problems) == 0 {
		return nil, nil
	}
	header := fmt.Sprintf("Config syntax errors: %d file(s)", len(problems))
	return []hook.Outcome{{
		AddContext: formatIssues(header, problems, maxSyntaxFilesShown),
		Severity:   hook.SeverityError,
		Category:   "config",
	}}, nil
}
