package workflow

import (
	"qmsline/internal/domain"
)

// CAPADefinition is the remediation loop for corrective and preventive
// actions. Reassignment is allowed in any non-terminal state; once a
// CAPA is closed, no edge departs it.
func CAPADefinition() *Definition {
	return &Definition{
		Kind:    domain.KindCAPA,
		Initial: domain.CAPAOpen,
		States: []domain.State{
			domain.CAPAOpen,
			domain.CAPAInProgress,
			domain.CAPAPendingVerification,
			domain.CAPAClosed,
			domain.CAPASentBack,
		},
		Terminal: []domain.State{domain.CAPAClosed},
		Edges: []Edge{
			{
				// To is empty: assignment does not move the instance.
				Name: "assign",
				From: []domain.State{
					domain.CAPAOpen,
					domain.CAPAInProgress,
					domain.CAPAPendingVerification,
					domain.CAPASentBack,
				},
				Rule:  RoleRule{Roles: []domain.Role{domain.RoleAdmin}},
				Guard: requireAssigneeRole(domain.RoleEmployee),
				Effects: []Effect{
					func(s *Step) {
						s.Instance.SetSlot(domain.SlotAssignedTo, s.Assignee.ID)
						s.Instance.SetSlot(domain.SlotAssignedBy, s.Actor.ID)
					},
				},
			},
			{
				Name: "start_work",
				From: []domain.State{domain.CAPAOpen, domain.CAPASentBack},
				To:   domain.CAPAInProgress,
				Rule: RoleRule{Slot: domain.SlotAssignedTo},
				Effects: []Effect{
					func(s *Step) { stamp(&s.Instance.StartedAt, s.Now) },
				},
			},
			{
				Name: "complete",
				From: []domain.State{domain.CAPAInProgress},
				To:   domain.CAPAPendingVerification,
				Rule: RoleRule{Slot: domain.SlotAssignedTo},
				Effects: []Effect{
					func(s *Step) {
						stamp(&s.Instance.CompletedAt, s.Now)
						if s.Payload.EvidenceJSON != nil {
							s.Instance.EvidenceJSON = s.Payload.EvidenceJSON
						}
						if s.Payload.ActionTaken != "" {
							taken := s.Payload.ActionTaken
							s.Instance.ActionTaken = &taken
						}
						if s.Payload.CompletionNotes != "" {
							notes := s.Payload.CompletionNotes
							s.Instance.CompletionNotes = &notes
						}
					},
				},
			},
			{
				Name: "close",
				From: []domain.State{domain.CAPAPendingVerification},
				To:   domain.CAPAClosed,
				Rule: RoleRule{Roles: []domain.Role{domain.RoleAdmin}},
				Effects: []Effect{
					func(s *Step) { stamp(&s.Instance.ClosedAt, s.Now) },
				},
			},
			{
				Name: "send_back",
				From: []domain.State{domain.CAPAPendingVerification},
				To:   domain.CAPASentBack,
				Rule: RoleRule{Roles: []domain.Role{domain.RoleAdmin}},
				Guard: func(s *Step) error {
					if s.Instance.AssignedTo == nil {
						return preconditionFailed("capa has no assignee to send back to")
					}
					return nil
				},
			},
		},
	}
}
