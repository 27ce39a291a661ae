package workflow

import (
	"context"
	"fmt"
	"time"

	"qmsline/internal/domain"
	"qmsline/internal/repo"
)

// SweepNotifications scans committed state and classifies in-flight
// instances: CAPAs as due-soon, overdue, or awaiting verification,
// documents as pending review or approval, or stuck in draft. It
// never mutates instances and never writes history; staleness against
// concurrent transitions is acceptable.
func (e Engine) SweepNotifications(ctx context.Context, now time.Time) ([]domain.Alert, error) {
	window := 24 * time.Hour
	if e.Config != nil && e.Config.Sweep.DueSoonHours > 0 {
		window = time.Duration(e.Config.Sweep.DueSoonHours) * time.Hour
	}
	staleAfter := 7 * 24 * time.Hour
	if e.Config != nil && e.Config.Sweep.StaleDraftDays > 0 {
		staleAfter = time.Duration(e.Config.Sweep.StaleDraftDays) * 24 * time.Hour
	}
	var alerts []domain.Alert
	for _, kind := range domain.Kinds() {
		def, ok := e.Registry[kind]
		if !ok {
			continue
		}
		instances, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{Kind: kind})
		if err != nil {
			return nil, err
		}
		for _, in := range instances {
			if def.IsTerminal(in.State) {
				continue
			}
			if in.Kind == domain.KindDocument {
				if a, ok := documentAlert(in, now, staleAfter); ok {
					alerts = append(alerts, a)
				}
				continue
			}
			if in.Kind == domain.KindCAPA && in.State == domain.CAPAPendingVerification {
				// No SLA clock runs once work is submitted for
				// verification; these always surface.
				alerts = append(alerts, domain.Alert{
					Title:      "CAPA awaiting verification",
					Message:    fmt.Sprintf("%s (%s) needs admin verification", in.Title, in.Code),
					Kind:       in.Kind,
					InstanceID: in.ID,
					Age:        formatAge(now.Sub(waitingSince(in))),
				})
				continue
			}
			if in.DueDate == nil {
				continue
			}
			due, err := time.Parse(time.RFC3339, *in.DueDate)
			if err != nil {
				continue
			}
			switch {
			case due.Before(now) && activeState(in):
				alerts = append(alerts, domain.Alert{
					Title:      "Overdue",
					Message:    fmt.Sprintf("%s (%s) is overdue", in.Title, labelFor(in)),
					Kind:       in.Kind,
					InstanceID: in.ID,
					Age:        formatAge(now.Sub(due)),
				})
			case !due.Before(now) && !due.After(now.Add(window)):
				alerts = append(alerts, domain.Alert{
					Title:      "Due soon",
					Message:    fmt.Sprintf("%s (%s) is due within %s", in.Title, labelFor(in), formatAge(window)),
					Kind:       in.Kind,
					InstanceID: in.ID,
					Age:        formatAge(due.Sub(now)),
				})
			}
		}
	}
	return alerts, nil
}

// documentAlert surfaces documents waiting on someone: in review or
// approval at any age, or sitting untouched in draft past the stale
// window.
func documentAlert(in domain.Instance, now time.Time, staleAfter time.Duration) (domain.Alert, bool) {
	waited := now.Sub(waitingSince(in))
	switch in.State {
	case domain.DocumentUnderReview:
		return domain.Alert{
			Title:      "Document review",
			Message:    fmt.Sprintf("%s is pending review", in.Title),
			Kind:       in.Kind,
			InstanceID: in.ID,
			Age:        formatAge(waited),
		}, true
	case domain.DocumentUnderApproval:
		return domain.Alert{
			Title:      "Document approval",
			Message:    fmt.Sprintf("%s is pending approval", in.Title),
			Kind:       in.Kind,
			InstanceID: in.ID,
			Age:        formatAge(waited),
		}, true
	case domain.DocumentDraft:
		if waitingSince(in).IsZero() || waited < staleAfter {
			return domain.Alert{}, false
		}
		return domain.Alert{
			Title:      "Stale draft",
			Message:    fmt.Sprintf("%s has sat in draft for %s", in.Title, formatAge(waited)),
			Kind:       in.Kind,
			InstanceID: in.ID,
			Age:        formatAge(waited),
		}, true
	}
	return domain.Alert{}, false
}

// activeState reports whether the SLA clock is still running.
func activeState(in domain.Instance) bool {
	switch in.State {
	case domain.CAPAOpen, domain.CAPAInProgress:
		return true
	}
	return false
}

func waitingSince(in domain.Instance) time.Time {
	ref := in.UpdatedAt
	if in.CompletedAt != nil {
		ref = *in.CompletedAt
	}
	t, err := time.Parse(time.RFC3339, ref)
	if err != nil {
		return time.Time{}
	}
	return t
}

func labelFor(in domain.Instance) string {
	if in.Code != "" {
		return in.Code
	}
	return string(in.Kind)
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}
