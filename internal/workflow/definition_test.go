package workflow_test

import (
	"strings"
	"testing"

	"qmsline/internal/domain"
	"qmsline/internal/workflow"
)

func TestDefaultRegistryValidates(t *testing.T) {
	if err := workflow.DefaultRegistry().Validate(); err != nil {
		t.Fatalf("built-in definitions must validate: %v", err)
	}
}

func baseDefinition() *workflow.Definition {
	return &workflow.Definition{
		Kind:     domain.KindDocument,
		Initial:  "a",
		States:   []domain.State{"a", "b"},
		Terminal: []domain.State{"b"},
		Edges: []workflow.Edge{
			{Name: "go", From: []domain.State{"a"}, To: "b", Rule: workflow.RoleRule{Roles: []domain.Role{domain.RoleAdmin}}},
		},
	}
}

func TestDefinitionValidateRejectsMalformedGraphs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*workflow.Definition)
		wantSub string
	}{
		{
			name:    "duplicate state",
			mutate:  func(d *workflow.Definition) { d.States = append(d.States, "a") },
			wantSub: "duplicate state",
		},
		{
			name:    "undeclared initial",
			mutate:  func(d *workflow.Definition) { d.Initial = "zz" },
			wantSub: "initial state",
		},
		{
			name:    "undeclared terminal",
			mutate:  func(d *workflow.Definition) { d.Terminal = []domain.State{"zz"} },
			wantSub: "terminal state",
		},
		{
			name: "duplicate edge name",
			mutate: func(d *workflow.Definition) {
				d.Edges = append(d.Edges, d.Edges[0])
			},
			wantSub: "duplicate edge",
		},
		{
			name:    "edge from nothing",
			mutate:  func(d *workflow.Definition) { d.Edges[0].From = nil },
			wantSub: "no from states",
		},
		{
			name:    "edge targets undeclared state",
			mutate:  func(d *workflow.Definition) { d.Edges[0].To = "zz" },
			wantSub: "undeclared state",
		},
		{
			name: "reject target without approve target",
			mutate: func(d *workflow.Definition) {
				d.Edges[0].To = ""
				d.Edges[0].RejectTo = "b"
			},
			wantSub: "no approve target",
		},
		{
			name:    "empty rule denies everyone",
			mutate:  func(d *workflow.Definition) { d.Edges[0].Rule = workflow.RoleRule{} },
			wantSub: "no role rule",
		},
		{
			name: "unreachable state",
			mutate: func(d *workflow.Definition) {
				d.States = append(d.States, "island")
			},
			wantSub: "unreachable",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def := baseDefinition()
			tc.mutate(def)
			err := def.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func TestRoleRuleAllows(t *testing.T) {
	boundID := "actor-9"
	in := &domain.Instance{}
	in.SetSlot(domain.SlotAssignedTo, boundID)

	rule := workflow.RoleRule{Roles: []domain.Role{domain.RoleAdmin}, Slot: domain.SlotAssignedTo}
	if !rule.Allows(domain.Actor{ID: "x", Role: domain.RoleAdmin}, in) {
		t.Fatalf("role match should pass")
	}
	if !rule.Allows(domain.Actor{ID: boundID, Role: domain.RoleEmployee}, in) {
		t.Fatalf("slot match should pass")
	}
	if rule.Allows(domain.Actor{ID: "x", Role: domain.RoleEmployee}, in) {
		t.Fatalf("neither role nor slot should not pass")
	}
	if (workflow.RoleRule{}).Allows(domain.Actor{ID: boundID, Role: domain.RoleAdmin}, in) {
		t.Fatalf("empty rule must deny everyone")
	}
}
