package mcp

import (
	"encoding/json"
	"fmt"
	"strings"

	"cronie/internal/core"
)

// configFields maps tool arguments onto the stored configuration keys of each task type.
var configFields = map[core.TaskKind]map[string]string{
	core.TaskKindShell: {
		"command":     "command",
		"working_dir": "workingDirectory",
	},
	core.TaskKindHTTP: {
		"url":    "url",
		"method": "method",
	},
}

// buildConfig merges the shortcut arguments of kind into base, which may be
// empty. An explicit config object replaces base entirely before merging.
func buildConfig(kind core.TaskKind, base json.RawMessage, args map[string]any) (json.RawMessage, bool, error) {
	fields := map[string]any{}
	changed := false
	if obj, ok := args["config"].(map[string]any); ok {
		fields = obj
		changed = true
	} else if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, false, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
		}
	}
	for arg, key := range configFields[kind] {
		v, ok := args[arg].(string)
		if !ok {
			continue
		}
		if key == "method" {
			v = strings.ToUpper(v)
		}
		fields[key] = v
		changed = true
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("encode config: %w", err)
	}
	return raw, changed, nil
}
