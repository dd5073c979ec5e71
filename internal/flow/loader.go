package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepRegistry reports whether a step name is registered. Satisfied by
// internal/steps.Registry; kept as an interface here so the loader doesn't
// depend on the executor package.
type StepRegistry interface {
	Has(name string) bool
}

// BlueprintSet reports whether a blueprint name is configured. Satisfied by
// internal/blueprint.Set.
type BlueprintSet interface {
	Has(name string) bool
}

type rawCondition struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Script string `yaml:"script"`
	Agent  string `yaml:"agent"`
	OnFail string `yaml:"on_fail"`
}

type rawTransition struct {
	Agent      string         `yaml:"agent"`
	Runs       []string       `yaml:"runs"`
	Conditions []rawCondition `yaml:"conditions"`
}

type rawFlow struct {
	Name          string                   `yaml:"name"`
	Description   string                   `yaml:"description"`
	Initial       string                   `yaml:"initial"`
	MaxRejections int                      `yaml:"max_rejections"`
	FallbackState string                   `yaml:"fallback_state"`
	Terminal      []string                 `yaml:"terminal"`
	Transitions   map[string]rawTransition `yaml:"transitions"`
	ChildFlow     *rawFlow                 `yaml:"child_flow"`
}

// Load parses and validates a single flow file.
func Load(path string, steps StepRegistry, blueprints BlueprintSet) (*Flow, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read flow file %s: %w", path, err)
	}

	var raw rawFlow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse flow file %s: %w", path, err)
	}

	f, err := build(raw)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", path, err)
	}

	if err := validate(f, steps, blueprints); err != nil {
		return nil, fmt.Errorf("flow %s: %w", path, err)
	}

	return f, nil
}

// LoadDir parses and validates every *.yml/*.yaml file directly under dir,
// keyed by Flow.Name. A single invalid file fails the whole load — a broken
// flow must never run silently alongside good ones.
func LoadDir(dir string, steps StepRegistry, blueprints BlueprintSet) (map[string]*Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read flow dir %s: %w", dir, err)
	}

	out := make(map[string]*Flow, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml") {
			continue
		}
		f, err := Load(filepath.Join(dir, name), steps, blueprints)
		if err != nil {
			return nil, err
		}
		if _, dup := out[f.Name]; dup {
			return nil, fmt.Errorf("duplicate flow name %q (file %s)", f.Name, name)
		}
		out[f.Name] = f
	}
	return out, nil
}

func build(raw rawFlow) (*Flow, error) {
	if strings.TrimSpace(raw.Name) == "" {
		return nil, fmt.Errorf("flow name is required")
	}
	if strings.TrimSpace(raw.Initial) == "" {
		return nil, fmt.Errorf("flow %q: initial state is required", raw.Name)
	}

	f := &Flow{
		Name:          raw.Name,
		Description:   raw.Description,
		Initial:       raw.Initial,
		MaxRejections: raw.MaxRejections,
		FallbackState: raw.FallbackState,
		Terminal:      make(map[string]bool, len(raw.Terminal)),
	}
	for _, state := range raw.Terminal {
		f.Terminal[state] = true
	}

	// Deterministic order: sort the "from -> to" keys so two loads of the
	// same file always produce the same Transitions slice.
	keys := make([]string, 0, len(raw.Transitions))
	for key := range raw.Transitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		from, to, err := splitEdge(key)
		if err != nil {
			return nil, fmt.Errorf("flow %q: %w", raw.Name, err)
		}
		rt := raw.Transitions[key]

		conditions := make([]Condition, 0, len(rt.Conditions))
		for _, rc := range rt.Conditions {
			conditions = append(conditions, Condition{
				Name:   rc.Name,
				Kind:   ConditionKind(rc.Type),
				Script: rc.Script,
				Agent:  rc.Agent,
				OnFail: rc.OnFail,
			})
		}

		f.Transitions = append(f.Transitions, Transition{
			From:       from,
			To:         to,
			Agent:      rt.Agent,
			Conditions: conditions,
			Runs:       append([]string(nil), rt.Runs...),
		})
	}

	if raw.ChildFlow != nil {
		child, err := build(*raw.ChildFlow)
		if err != nil {
			return nil, fmt.Errorf("child_flow: %w", err)
		}
		f.ChildFlow = child
	}

	return f, nil
}

func splitEdge(key string) (from, to string, err error) {
	parts := strings.SplitN(key, "->", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("transition key %q must be of the form \"<from> -> <to>\"", key)
	}
	from = strings.TrimSpace(parts[0])
	to = strings.TrimSpace(parts[1])
	if from == "" || to == "" {
		return "", "", fmt.Errorf("transition key %q has an empty state", key)
	}
	return from, to, nil
}

// validate enforces the load-time rules: every referenced state is reachable from
// the initial state; every on_fail target is a state; every agent is a
// configured blueprint; every step name is registered; every condition type
// is known; no transition is unreachable.
func validate(f *Flow, steps StepRegistry, blueprints BlueprintSet) error {
	states := map[string]bool{f.Initial: true}
	for _, t := range f.Transitions {
		states[t.From] = true
		states[t.To] = true
	}

	reachable := reachableStates(f)
	for state := range states {
		if !reachable[state] {
			return fmt.Errorf("state %q is not reachable from initial state %q", state, f.Initial)
		}
	}

	for _, t := range f.Transitions {
		if t.Agent != "" && blueprints != nil && !blueprints.Has(t.Agent) {
			return fmt.Errorf("transition %s -> %s: agent %q is not a configured blueprint", t.From, t.To, t.Agent)
		}
		for _, step := range t.Runs {
			if steps != nil && !steps.Has(step) {
				return fmt.Errorf("transition %s -> %s: step %q is not registered", t.From, t.To, step)
			}
		}
		for _, c := range t.Conditions {
			switch c.Kind {
			case ConditionScript, ConditionAgent, ConditionManual:
			default:
				return fmt.Errorf("transition %s -> %s: condition %q has unknown type %q", t.From, t.To, c.Name, c.Kind)
			}
			if c.Kind == ConditionAgent && c.Agent != "" && blueprints != nil && !blueprints.Has(c.Agent) {
				return fmt.Errorf("transition %s -> %s: condition %q references unknown agent %q", t.From, t.To, c.Name, c.Agent)
			}
			if c.OnFail != "" && !states[c.OnFail] {
				return fmt.Errorf("transition %s -> %s: condition %q on_fail %q is not a state in this flow", t.From, t.To, c.Name, c.OnFail)
			}
		}
	}

	if f.FallbackState != "" && !states[f.FallbackState] {
		return fmt.Errorf("fallback_state %q is not a state in this flow", f.FallbackState)
	}

	if f.ChildFlow != nil {
		if err := validate(f.ChildFlow, steps, blueprints); err != nil {
			return fmt.Errorf("child_flow: %w", err)
		}
	}

	return nil
}

// reachableStates computes every state reachable from the flow's initial
// state by following transitions forward.
func reachableStates(f *Flow) map[string]bool {
	reachable := map[string]bool{f.Initial: true}
	changed := true
	for changed {
		changed = false
		for _, t := range f.Transitions {
			if reachable[t.From] && !reachable[t.To] {
				reachable[t.To] = true
				changed = true
			}
		}
	}
	return reachable
}
