// Package flow models the YAML-declared state machine that advances a task
// through its lifecycle: states, transitions, ordered conditions, and
// ordered steps.
package flow

// ConditionKind is the evaluation strategy for a transition gate.
type ConditionKind string

const (
	ConditionScript ConditionKind = "script"
	ConditionAgent  ConditionKind = "agent"
	ConditionManual ConditionKind = "manual"
)

// Condition gates a transition. Conditions on a transition are evaluated in
// declared order; the first failure routes to OnFail (or the flow's
// fallback state when OnFail is empty).
type Condition struct {
	Name    string        `yaml:"name" json:"name"`
	Kind    ConditionKind `yaml:"type" json:"type"`
	Script  string        `yaml:"script,omitempty" json:"script,omitempty"`
	Agent   string        `yaml:"agent,omitempty" json:"agent,omitempty"`
	OnFail  string        `yaml:"on_fail,omitempty" json:"on_fail,omitempty"`
}

// Transition is one edge of the flow graph, keyed by "<from> -> <to>" in the
// YAML source and split into From/To at load time.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`

	// Agent names the blueprint whose worker advances this transition. Empty
	// for transitions driven purely by conditions (e.g. housekeeping jobs).
	Agent string `yaml:"agent,omitempty" json:"agent,omitempty"`

	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Runs       []string    `yaml:"runs,omitempty" json:"runs,omitempty"`
}

// Flow is a named, validated state machine. It is immutable after Load and
// safe for concurrent reads across goroutines and ticks.
type Flow struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Initial string `json:"initial"`

	// MaxRejections bounds the provisional -> incoming -> claimed ->
	// provisional cycle. Zero means unbounded.
	MaxRejections int `json:"max_rejections,omitempty"`

	// FallbackState is where a condition failure routes to when the failing
	// condition declares no OnFail of its own.
	FallbackState string `json:"fallback_state,omitempty"`

	Transitions []Transition    `json:"transitions"`
	Terminal    map[string]bool `json:"terminal,omitempty"`

	// ChildFlow is the flow used by project children, when this Flow
	// describes a project-level state machine.
	ChildFlow *Flow `json:"child_flow,omitempty"`
}

// Find returns the transition for (from, to), if declared.
func (f *Flow) Find(from, to string) (Transition, bool) {
	for _, t := range f.Transitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// From returns every transition whose From state matches, in declared order.
func (f *Flow) From(state string) []Transition {
	var out []Transition
	for _, t := range f.Transitions {
		if t.From == state {
			out = append(out, t)
		}
	}
	return out
}

// IsTerminal reports whether state is marked terminal in this flow.
func (f *Flow) IsTerminal(state string) bool {
	return f.Terminal[state]
}

// States returns every state mentioned by the flow, as a from or to of some
// transition, or the declared initial state.
func (f *Flow) States() []string {
	seen := map[string]bool{f.Initial: true}
	order := []string{}
	if f.Initial != "" {
		order = append(order, f.Initial)
	}
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		order = append(order, s)
	}
	for _, t := range f.Transitions {
		add(t.From)
		add(t.To)
	}
	return order
}
