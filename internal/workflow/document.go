package workflow

import (
	"time"

	"qmsline/internal/domain"
)

// DocumentDefinition is the review/approval pipeline for controlled
// documents. Every edge recomputes the version through NextVersion so
// the policy lives in exactly one place.
func DocumentDefinition() *Definition {
	return &Definition{
		Kind:    domain.KindDocument,
		Initial: domain.DocumentDraft,
		States: []domain.State{
			domain.DocumentDraft,
			domain.DocumentUnderReview,
			domain.DocumentUnderApproval,
			domain.DocumentApproved,
			domain.DocumentRejected,
			domain.DocumentArchived,
		},
		Terminal: []domain.State{domain.DocumentApproved, domain.DocumentArchived},
		Edges: []Edge{
			{
				Name:    "submit_for_review",
				From:    []domain.State{domain.DocumentDraft},
				To:      domain.DocumentUnderReview,
				Rule:    RoleRule{Roles: []domain.Role{domain.RoleAdmin}},
				Effects: []Effect{stampVersion},
			},
			{
				// A passing review keeps the document under review until
				// an approver is assigned.
				Name:    "review_pass",
				From:    []domain.State{domain.DocumentUnderReview},
				To:      domain.DocumentUnderReview,
				Rule:    RoleRule{Roles: []domain.Role{domain.RoleReviewer, domain.RoleAdmin}},
				Effects: []Effect{stampVersion},
			},
			{
				Name:    "review_reject",
				From:    []domain.State{domain.DocumentUnderReview},
				To:      domain.DocumentRejected,
				Rule:    RoleRule{Roles: []domain.Role{domain.RoleReviewer, domain.RoleAdmin}},
				Effects: []Effect{stampVersion},
			},
			{
				Name:  "assign_approver",
				From:  []domain.State{domain.DocumentUnderReview},
				To:    domain.DocumentUnderApproval,
				Rule:  RoleRule{Roles: []domain.Role{domain.RoleAdmin, domain.RoleReviewer}},
				Guard: requireAssigneeRole(domain.RoleApprover),
				Effects: []Effect{
					func(s *Step) { s.Instance.SetSlot(domain.SlotAssignedApprover, s.Assignee.ID) },
					stampVersion,
				},
			},
			{
				Name:     "approver_decision",
				From:     []domain.State{domain.DocumentUnderApproval},
				To:       domain.DocumentApproved,
				RejectTo: domain.DocumentRejected,
				Rule:     RoleRule{Slot: domain.SlotAssignedApprover},
				Effects: []Effect{
					stampVersion,
					func(s *Step) {
						if s.To == domain.DocumentApproved {
							stamp(&s.Instance.ApprovedAt, s.Now)
						}
					},
				},
			},
			{
				Name:    "resubmit",
				From:    []domain.State{domain.DocumentRejected},
				To:      domain.DocumentDraft,
				Rule:    RoleRule{Roles: []domain.Role{domain.RoleAdmin}, Slot: domain.SlotUploader},
				Effects: []Effect{stampVersion},
			},
			{
				Name: "archive",
				From: []domain.State{domain.DocumentApproved},
				To:   domain.DocumentArchived,
				Rule: RoleRule{Roles: []domain.Role{domain.RoleAdmin}},
			},
		},
	}
}

func stampVersion(s *Step) {
	s.Instance.Version = NextVersion(s.Instance.Version, s.To)
}

func stamp(dst **string, now time.Time) {
	ts := now.UTC().Format(time.RFC3339)
	*dst = &ts
}

func requireAssigneeRole(role domain.Role) Guard {
	return func(s *Step) error {
		if s.Assignee == nil {
			return preconditionFailed("payload must name an assignee")
		}
		if s.Assignee.Role != role {
			return preconditionFailed("assignee " + s.Assignee.ID + " does not hold role " + string(role))
		}
		return nil
	}
}
