package workflow

import (
	"qmsline/internal/domain"
)

// ChangeControlDefinition is the two-stage review/approval pipeline for
// change requests. Reviewer and approver are bound at creation, so both
// edges use slot rules rather than global roles.
func ChangeControlDefinition() *Definition {
	return &Definition{
		Kind:    domain.KindChangeControl,
		Initial: domain.ChangeSubmitted,
		States: []domain.State{
			domain.ChangeSubmitted,
			domain.ChangeReviewed,
			domain.ChangeApproved,
			domain.ChangeRejected,
		},
		Terminal: []domain.State{domain.ChangeApproved, domain.ChangeRejected},
		Edges: []Edge{
			{
				Name:     "review",
				From:     []domain.State{domain.ChangeSubmitted},
				To:       domain.ChangeReviewed,
				RejectTo: domain.ChangeRejected,
				Rule:     RoleRule{Slot: domain.SlotReviewer},
				Effects: []Effect{
					func(s *Step) {
						stamp(&s.Instance.ReviewDate, s.Now)
						if s.Payload.Comments != "" {
							comments := s.Payload.Comments
							s.Instance.ReviewComments = &comments
						}
					},
				},
			},
			{
				Name:     "approve_or_reject",
				From:     []domain.State{domain.ChangeReviewed},
				To:       domain.ChangeApproved,
				RejectTo: domain.ChangeRejected,
				Rule:     RoleRule{Slot: domain.SlotApprover},
				Effects: []Effect{
					func(s *Step) {
						stamp(&s.Instance.ApprovalDate, s.Now)
						if s.Payload.Comments != "" {
							comments := s.Payload.Comments
							s.Instance.ApprovalComments = &comments
						}
					},
				},
			},
		},
	}
}
