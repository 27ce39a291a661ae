package workflow_test

import (
	"testing"
	"time"

	"qmsline/internal/domain"
	"qmsline/internal/workflow"
)

func createCAPADue(t *testing.T, env testEnv, title string, due time.Time) domain.Instance {
	t.Helper()
	dueStr := due.UTC().Format(time.RFC3339)
	capa, err := env.Engine.CreateCAPA(env.Ctx, workflow.CAPACreateOptions{
		Title:      title,
		DueDate:    &dueStr,
		AssigneeID: "emp-1",
		ActorID:    "admin-1",
	})
	if err != nil {
		t.Fatalf("create %s: %v", title, err)
	}
	return capa
}

func alertsByInstance(alerts []domain.Alert) map[string]domain.Alert {
	out := map[string]domain.Alert{}
	for _, a := range alerts {
		out[a.InstanceID] = a
	}
	return out
}

func TestSweepClassification(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	overdue := createCAPADue(t, env, "overdue", now.Add(-72*time.Hour))
	dueSoon := createCAPADue(t, env, "due soon", now.Add(12*time.Hour))
	dueLater := createCAPADue(t, env, "due later", now.Add(96*time.Hour))

	pending := createCAPADue(t, env, "pending", now.Add(240*time.Hour))
	if _, err := env.Engine.AttemptTransition(env.Ctx, domain.KindCAPA, pending.ID, "start_work", "emp-1", workflow.Payload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AttemptTransition(env.Ctx, domain.KindCAPA, pending.ID, "complete", "emp-1", workflow.Payload{}); err != nil {
		t.Fatal(err)
	}

	// overdue but closed: terminal states never alert
	closed := createCAPADue(t, env, "closed", now.Add(-72*time.Hour))
	for _, edge := range []struct{ name, actor string }{
		{"start_work", "emp-1"}, {"complete", "emp-1"}, {"close", "admin-1"},
	} {
		if _, err := env.Engine.AttemptTransition(env.Ctx, domain.KindCAPA, closed.ID, edge.name, edge.actor, workflow.Payload{}); err != nil {
			t.Fatalf("%s: %v", edge.name, err)
		}
	}

	alerts, err := env.Engine.SweepNotifications(env.Ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	byID := alertsByInstance(alerts)

	if a, ok := byID[overdue.ID]; !ok || a.Title != "Overdue" {
		t.Fatalf("expected Overdue for %s, got %+v", overdue.ID, a)
	}
	if a, ok := byID[dueSoon.ID]; !ok || a.Title != "Due soon" {
		t.Fatalf("expected Due soon for %s, got %+v", dueSoon.ID, a)
	}
	if _, ok := byID[dueLater.ID]; ok {
		t.Fatalf("instance due beyond the window must not alert")
	}
	if a, ok := byID[pending.ID]; !ok || a.Title != "CAPA awaiting verification" {
		t.Fatalf("expected verification alert for %s, got %+v", pending.ID, a)
	}
	if _, ok := byID[closed.ID]; ok {
		t.Fatalf("closed instance must not alert")
	}
}

func TestSweepWindowFromConfig(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Sweep.DueSoonHours = 72
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	capa := createCAPADue(t, env, "wider window", now.Add(48*time.Hour))

	alerts, err := env.Engine.SweepNotifications(env.Ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if a, ok := alertsByInstance(alerts)[capa.ID]; !ok || a.Title != "Due soon" {
		t.Fatalf("expected Due soon under widened window, got %+v", a)
	}
}

func TestSweepIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	capa := createCAPADue(t, env, "untouched", now.Add(-72*time.Hour))

	if _, err := env.Engine.SweepNotifications(env.Ctx, now); err != nil {
		t.Fatal(err)
	}
	after, err := env.Engine.Repo.GetInstance(env.Ctx, domain.KindCAPA, capa.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.State != capa.State || after.UpdatedAt != capa.UpdatedAt || after.LockVersion != capa.LockVersion {
		t.Fatalf("sweep mutated the instance")
	}
	entries, err := env.Engine.GetHistory(env.Ctx, domain.KindCAPA, capa.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("sweep wrote history: %d entries", len(entries))
	}
}

func createDocumentIn(t *testing.T, env testEnv, title string, state domain.State) domain.Instance {
	t.Helper()
	doc, err := env.Engine.CreateDocument(env.Ctx, workflow.DocumentCreateOptions{Title: title, ActorID: "admin-1"})
	if err != nil {
		t.Fatalf("create %s: %v", title, err)
	}
	if state == domain.DocumentDraft {
		return doc
	}
	steps := []struct {
		edge    string
		actor   string
		payload workflow.Payload
		stop    domain.State
	}{
		{"submit_for_review", "admin-1", workflow.Payload{}, domain.DocumentUnderReview},
		{"assign_approver", "rev-1", workflow.Payload{AssigneeID: "app-1"}, domain.DocumentUnderApproval},
		{"approver_decision", "app-1", workflow.Payload{Decision: "approve"}, domain.DocumentApproved},
		{"archive", "admin-1", workflow.Payload{}, domain.DocumentArchived},
	}
	for _, s := range steps {
		doc, err = env.Engine.AttemptTransition(env.Ctx, domain.KindDocument, doc.ID, s.edge, s.actor, s.payload)
		if err != nil {
			t.Fatalf("%s %s: %v", title, s.edge, err)
		}
		if s.stop == state {
			return doc
		}
	}
	t.Fatalf("%s never reached %s", title, state)
	return doc
}

func TestSweepDocumentAlerts(t *testing.T) {
	env := newTestEnv(t)

	stale := createDocumentIn(t, env, "stale sop", domain.DocumentDraft)
	inReview := createDocumentIn(t, env, "under review", domain.DocumentUnderReview)
	inApproval := createDocumentIn(t, env, "under approval", domain.DocumentUnderApproval)
	archived := createDocumentIn(t, env, "archived", domain.DocumentArchived)

	// two days after the fixed clock: inside the stale window, so only
	// the review and approval queues surface
	early := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	alerts, err := env.Engine.SweepNotifications(env.Ctx, early)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	byID := alertsByInstance(alerts)
	if _, ok := byID[stale.ID]; ok {
		t.Fatalf("fresh draft must not alert")
	}
	if a, ok := byID[inReview.ID]; !ok || a.Title != "Document review" {
		t.Fatalf("expected Document review for %s, got %+v", inReview.ID, a)
	}
	if a, ok := byID[inApproval.ID]; !ok || a.Title != "Document approval" {
		t.Fatalf("expected Document approval for %s, got %+v", inApproval.ID, a)
	}

	// nine days: the draft crosses the default seven-day window
	late := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	alerts, err = env.Engine.SweepNotifications(env.Ctx, late)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	byID = alertsByInstance(alerts)
	if a, ok := byID[stale.ID]; !ok || a.Title != "Stale draft" {
		t.Fatalf("expected Stale draft for %s, got %+v", stale.ID, a)
	}
	if a := byID[stale.ID]; a.Age != "9d" {
		t.Fatalf("stale draft age = %q", a.Age)
	}
	if _, ok := byID[archived.ID]; ok {
		t.Fatalf("archived document must not alert")
	}
}

func TestSweepStaleDraftWindowFromConfig(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Sweep.StaleDraftDays = 30
	doc := createDocumentIn(t, env, "slow burner", domain.DocumentDraft)

	nineDays := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	alerts, err := env.Engine.SweepNotifications(env.Ctx, nineDays)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := alertsByInstance(alerts)[doc.ID]; ok {
		t.Fatalf("draft inside the widened window must not alert")
	}

	fortyFiveDays := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	alerts, err = env.Engine.SweepNotifications(env.Ctx, fortyFiveDays)
	if err != nil {
		t.Fatal(err)
	}
	if a, ok := alertsByInstance(alerts)[doc.ID]; !ok || a.Title != "Stale draft" {
		t.Fatalf("expected Stale draft past the widened window, got %+v", a)
	}
}
