// Package validator performs the static pre-flight check on a submitted
// playbook: YAML well-formedness, structural shape, and advisory scanning
// for destructive patterns and restricted modules. It never fails closed
// on warnings — that policy belongs to the submission orchestrator.
package validator

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultDenylist is the configured set of byte patterns that, if present
// anywhere in the raw playbook text, mark the submission unsafe.
var DefaultDenylist = []string{
	"rm -rf",
	"dd if=",
	"mkfs",
	":(){ :|:& };:", // the standard fork-bomb glyph
	"/dev/sda",
	"shutdown",
	"reboot",
	"halt",
}

// DefaultRestrictedModules are task keys that warrant a warning wherever
// they appear as a task's top-level module key.
var DefaultRestrictedModules = []string{"shell", "command", "raw", "script"}

// Result is the outcome of Validate.
type Result struct {
	Valid    bool
	Safe     bool
	Errors   []string
	Warnings []string
	Parsed   []map[string]any
}

// Validator is a pure function object: same input text always yields the
// same Result.
type Validator struct {
	Denylist          []string
	RestrictedModules []string
}

// New builds a Validator with the default denylist and restricted-module
// set. Callers needing a stricter or looser policy can construct
// Validator{} directly with their own slices.
func New() *Validator {
	return &Validator{
		Denylist:          DefaultDenylist,
		RestrictedModules: DefaultRestrictedModules,
	}
}

// Validate parses text as a playbook and scans it for denylisted
// patterns and restricted modules.
func (v *Validator) Validate(text string) Result {
	var res Result

	if strings.TrimSpace(text) == "" {
		res.Errors = append(res.Errors, "playbook text is empty")
		return res
	}

	var parsed []map[string]any
	if err := yaml.Unmarshal([]byte(text), &parsed); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("failed to parse playbook as YAML: %v", err))
		return res
	}
	if parsed == nil {
		res.Errors = append(res.Errors, "playbook must be a non-empty YAML sequence of plays")
		return res
	}

	res.Valid = true
	res.Parsed = parsed
	res.Safe = true

	for _, pattern := range v.Denylist {
		if strings.Contains(text, pattern) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("denylisted pattern found: %q", pattern))
			res.Safe = false
		}
	}

	restricted := make(map[string]bool, len(v.RestrictedModules))
	for _, m := range v.RestrictedModules {
		restricted[m] = true
	}

	for _, play := range parsed {
		tasks, _ := play["tasks"].([]any)
		for _, rawTask := range tasks {
			task, ok := rawTask.(map[string]any)
			if !ok {
				continue
			}

			name := "unnamed"
			if n, ok := task["name"].(string); ok && n != "" {
				name = n
			}

			for key := range task {
				if restricted[key] {
					res.Warnings = append(res.Warnings, fmt.Sprintf("restricted module %q used in task %q", key, name))
				}
			}
		}
	}

	return res
}
