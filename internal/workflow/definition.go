// Package workflow holds the state machine engine and the static
// definitions it runs. A definition is a directed graph of states and
// guarded edges; the engine is the only component that ever changes an
// instance's state.
package workflow

import (
	"fmt"
	"time"

	"qmsline/internal/domain"
)

// Payload carries the caller-supplied inputs of a transition. Edges use
// the fields they care about and ignore the rest.
type Payload struct {
	Decision        string  `json:"decision,omitempty" enum:",approve,reject"`
	Comments        string  `json:"comments,omitempty"`
	AssigneeID      string  `json:"assignee_id,omitempty"`
	EvidenceJSON    *string `json:"evidence_json,omitempty"`
	ActionTaken     string  `json:"action_taken,omitempty"`
	CompletionNotes string  `json:"completion_notes,omitempty"`
}

// Step is the mutable view a guard or effect sees while a transition is
// being applied. Instance points at the single copy that gets persisted
// when every guard has passed.
type Step struct {
	Instance *domain.Instance
	Actor    domain.Actor
	// Assignee is the resolved directory record for Payload.AssigneeID,
	// nil when the payload names nobody.
	Assignee *domain.Actor
	Payload  Payload
	From     domain.State
	To       domain.State
	Now      time.Time
}

type Guard func(*Step) error

type Effect func(*Step)

// RoleRule gates an edge by actor. Roles and Slot are alternatives: the
// rule passes when the actor holds one of Roles, or when their id
// matches the instance slot. An empty rule denies everyone.
type RoleRule struct {
	Roles []domain.Role
	Slot  domain.Slot
}

func (r RoleRule) Allows(actor domain.Actor, in *domain.Instance) bool {
	if r.Slot != "" {
		if bound := in.SlotValue(r.Slot); bound != nil && *bound == actor.ID {
			return true
		}
	}
	for _, role := range r.Roles {
		if actor.Role == role {
			return true
		}
	}
	return false
}

// Edge is one named, guarded transition. To is the target state; an
// empty To keeps the instance in its current state (assignment edges).
// A non-empty RejectTo makes the edge decision-driven: the payload's
// decision picks To on "approve" or RejectTo on "reject".
type Edge struct {
	Name     string
	From     []domain.State
	To       domain.State
	RejectTo domain.State
	Rule     RoleRule
	Guard    Guard
	Effects  []Effect
}

// Definition is one kind's static graph, loaded at process start.
type Definition struct {
	Kind     domain.Kind
	Initial  domain.State
	States   []domain.State
	Terminal []domain.State
	Edges    []Edge
}

func (d *Definition) Edge(name string) (*Edge, bool) {
	for i := range d.Edges {
		if d.Edges[i].Name == name {
			return &d.Edges[i], true
		}
	}
	return nil, false
}

func (d *Definition) IsTerminal(s domain.State) bool {
	for _, t := range d.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

func (d *Definition) declared(s domain.State) bool {
	for _, known := range d.States {
		if known == s {
			return true
		}
	}
	return false
}

// Validate checks the graph's internal consistency: declared states are
// unique, the initial and terminal states exist, every edge references
// declared states, and every state is reachable from the initial one.
// A failure here is a startup error, never a runtime one.
func (d *Definition) Validate() error {
	if d.Kind == "" {
		return fmt.Errorf("definition missing kind")
	}
	if len(d.States) == 0 {
		return fmt.Errorf("%s: no states declared", d.Kind)
	}
	seen := map[domain.State]bool{}
	for _, s := range d.States {
		if s == "" {
			return fmt.Errorf("%s: empty state token", d.Kind)
		}
		if seen[s] {
			return fmt.Errorf("%s: duplicate state %s", d.Kind, s)
		}
		seen[s] = true
	}
	if !d.declared(d.Initial) {
		return fmt.Errorf("%s: initial state %s not declared", d.Kind, d.Initial)
	}
	for _, t := range d.Terminal {
		if !d.declared(t) {
			return fmt.Errorf("%s: terminal state %s not declared", d.Kind, t)
		}
	}
	names := map[string]bool{}
	for _, e := range d.Edges {
		if e.Name == "" {
			return fmt.Errorf("%s: edge with empty name", d.Kind)
		}
		if names[e.Name] {
			return fmt.Errorf("%s: duplicate edge %s", d.Kind, e.Name)
		}
		names[e.Name] = true
		if len(e.From) == 0 {
			return fmt.Errorf("%s: edge %s has no from states", d.Kind, e.Name)
		}
		for _, from := range e.From {
			if !d.declared(from) {
				return fmt.Errorf("%s: edge %s departs undeclared state %s", d.Kind, e.Name, from)
			}
		}
		if e.To != "" && !d.declared(e.To) {
			return fmt.Errorf("%s: edge %s targets undeclared state %s", d.Kind, e.Name, e.To)
		}
		if e.RejectTo != "" {
			if !d.declared(e.RejectTo) {
				return fmt.Errorf("%s: edge %s rejects to undeclared state %s", d.Kind, e.Name, e.RejectTo)
			}
			if e.To == "" {
				return fmt.Errorf("%s: decision edge %s has no approve target", d.Kind, e.Name)
			}
		}
		if len(e.Rule.Roles) == 0 && e.Rule.Slot == "" {
			return fmt.Errorf("%s: edge %s has no role rule", d.Kind, e.Name)
		}
	}
	reachable := map[domain.State]bool{d.Initial: true}
	for changed := true; changed; {
		changed = false
		for _, e := range d.Edges {
			departs := false
			for _, from := range e.From {
				if reachable[from] {
					departs = true
					break
				}
			}
			if !departs {
				continue
			}
			for _, to := range []domain.State{e.To, e.RejectTo} {
				if to != "" && !reachable[to] {
					reachable[to] = true
					changed = true
				}
			}
		}
	}
	for _, s := range d.States {
		if !reachable[s] {
			return fmt.Errorf("%s: state %s unreachable from %s", d.Kind, s, d.Initial)
		}
	}
	return nil
}

// Registry maps each kind to its definition.
type Registry map[domain.Kind]*Definition

// DefaultRegistry returns the three built-in workflow graphs.
func DefaultRegistry() Registry {
	return Registry{
		domain.KindDocument:      DocumentDefinition(),
		domain.KindCAPA:          CAPADefinition(),
		domain.KindChangeControl: ChangeControlDefinition(),
	}
}

func (r Registry) Validate() error {
	for kind, def := range r {
		if def == nil {
			return fmt.Errorf("%s: nil definition", kind)
		}
		if def.Kind != kind {
			return fmt.Errorf("definition %s registered under kind %s", def.Kind, kind)
		}
		if err := def.Validate(); err != nil {
			return err
		}
	}
	return nil
}
