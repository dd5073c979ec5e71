package blueprint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type rawBlueprint struct {
	Role             string   `yaml:"role"`
	Model            string   `yaml:"model"`
	MaxInstances     int      `yaml:"max_instances"`
	IntervalSeconds  int      `yaml:"interval_seconds"`
	SpawnMode        string   `yaml:"spawn_mode"`
	MaxTurns         int      `yaml:"max_turns"`
	AllowedTools     []string `yaml:"allowed_tools"`
	AllowedTaskTypes []string `yaml:"allowed_task_types"`
	ClaimFrom        string   `yaml:"claim_from"`
	Paused           bool     `yaml:"paused"`
}

// LoadFile parses a blueprint definition file: a YAML mapping of blueprint
// name to its configuration.
func LoadFile(path string) (Set, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read blueprint file %s: %w", path, err)
	}

	var raw map[string]rawBlueprint
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse blueprint file %s: %w", path, err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	set := make(Set, len(raw))
	for _, name := range names {
		rb := raw[name]
		if err := validateRaw(name, rb); err != nil {
			return nil, fmt.Errorf("blueprint %q: %w", name, err)
		}
		set[name] = Blueprint{
			Name:             name,
			Role:             rb.Role,
			Model:            rb.Model,
			MaxInstances:     rb.MaxInstances,
			IntervalSeconds:  rb.IntervalSeconds,
			Interval:         time.Duration(rb.IntervalSeconds) * time.Second,
			SpawnMode:        SpawnMode(rb.SpawnMode),
			MaxTurns:         rb.MaxTurns,
			AllowedTools:     append([]string(nil), rb.AllowedTools...),
			AllowedTaskTypes: append([]string(nil), rb.AllowedTaskTypes...),
			ClaimFrom:        rb.ClaimFrom,
			Paused:           rb.Paused,
		}
	}
	return set, nil
}

func validateRaw(name string, rb rawBlueprint) error {
	if strings.TrimSpace(rb.Role) == "" {
		return fmt.Errorf("role is required")
	}
	if rb.MaxInstances <= 0 {
		return fmt.Errorf("max_instances must be positive")
	}
	if rb.IntervalSeconds <= 0 {
		return fmt.Errorf("interval_seconds must be positive")
	}
	switch SpawnMode(rb.SpawnMode) {
	case SpawnTaskBound, SpawnTaskless, SpawnLightweight:
	default:
		return fmt.Errorf("spawn_mode %q is not one of task-bound, taskless, lightweight", rb.SpawnMode)
	}
	return nil
}
