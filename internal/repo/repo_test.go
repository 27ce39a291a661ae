package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"qmsline/internal/db"
	"qmsline/internal/domain"
	"qmsline/internal/history"
	"qmsline/internal/migrate"
	"qmsline/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func seedInstance(t *testing.T, r repo.Repo, ctx context.Context, id string, state domain.State, createdAt string, assignedTo string) {
	t.Helper()
	in := domain.Instance{
		ID:        id,
		Kind:      domain.KindCAPA,
		Code:      "CAPA-" + id,
		State:     state,
		Title:     "capa " + id,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if assignedTo != "" {
		in.SetSlot(domain.SlotAssignedTo, assignedTo)
	}
	if err := r.InsertInstance(ctx, in); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func TestListInstancesFiltersAndCursor(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i := 0; i < 5; i++ {
		createdAt := fmt.Sprintf("2024-01-0%dT00:00:00Z", i+1)
		assignee := ""
		if i%2 == 0 {
			assignee = "emp-1"
		}
		seedInstance(t, r, ctx, fmt.Sprintf("c%d", i), domain.CAPAOpen, createdAt, assignee)
	}
	seedInstance(t, r, ctx, "closed-1", domain.CAPAClosed, "2024-01-09T00:00:00Z", "")

	byState, err := r.ListInstances(ctx, repo.InstanceFilters{Kind: domain.KindCAPA, State: domain.CAPAOpen})
	if err != nil {
		t.Fatal(err)
	}
	if len(byState) != 5 {
		t.Fatalf("state filter: expected 5, got %d", len(byState))
	}

	byAssignee, err := r.ListInstances(ctx, repo.InstanceFilters{Kind: domain.KindCAPA, AssignedTo: "emp-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byAssignee) != 3 {
		t.Fatalf("assignee filter: expected 3, got %d", len(byAssignee))
	}

	// newest first, two at a time
	page1, err := r.ListInstances(ctx, repo.InstanceFilters{Kind: domain.KindCAPA, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || page1[0].ID != "closed-1" {
		t.Fatalf("unexpected first page: %+v", page1)
	}
	last := page1[len(page1)-1]
	page2, err := r.ListInstances(ctx, repo.InstanceFilters{
		Kind:            domain.KindCAPA,
		Limit:           2,
		CursorCreatedAt: last.CreatedAt,
		CursorID:        last.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 {
		t.Fatalf("unexpected second page size %d", len(page2))
	}
	if page2[0].CreatedAt >= last.CreatedAt {
		t.Fatalf("cursor did not advance: %s >= %s", page2[0].CreatedAt, last.CreatedAt)
	}

	counts, err := r.CountInstancesByState(ctx, domain.KindCAPA)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.CAPAOpen] != 5 || counts[domain.CAPAClosed] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestUpdateInstanceBumpsLockVersion(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedInstance(t, r, ctx, "c1", domain.CAPAOpen, "2024-01-01T00:00:00Z", "")

	in, err := r.GetInstance(ctx, domain.KindCAPA, "c1")
	if err != nil {
		t.Fatal(err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	in.State = domain.CAPAInProgress
	if err := r.UpdateInstanceTx(ctx, tx, in); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	// the same lock version cannot win twice
	tx2, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx2.Rollback()
	if err := r.UpdateInstanceTx(ctx, tx2, in); !errors.Is(err, repo.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	after, err := r.GetInstance(ctx, domain.KindCAPA, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if after.LockVersion != in.LockVersion+1 {
		t.Fatalf("lock version not bumped: %d", after.LockVersion)
	}
}

func TestHistoryAfterAndWebhookCursors(t *testing.T) {
	r, ctx := newTestRepo(t)
	w := history.Writer{DB: r.DB}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		entry := domain.HistoryEntry{
			InstanceID: "c1",
			Kind:       domain.KindCAPA,
			EdgeName:   fmt.Sprintf("edge-%d", i),
			ActorID:    "admin-1",
			NewState:   domain.CAPAOpen,
		}
		if err := w.Append(ctx, tx, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	latest, err := r.LatestHistoryID(ctx)
	if err != nil || latest != 4 {
		t.Fatalf("latest id %d err %v", latest, err)
	}

	tail, err := r.HistoryAfter(ctx, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].EdgeName != "edge-2" {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	// cursor starts at zero and upserts
	cur, err := r.GetWebhookCursor(ctx, "hook-1")
	if err != nil || cur != 0 {
		t.Fatalf("fresh cursor %d err %v", cur, err)
	}
	if err := r.SetWebhookCursor(ctx, "hook-1", 3); err != nil {
		t.Fatal(err)
	}
	if err := r.SetWebhookCursor(ctx, "hook-1", 4); err != nil {
		t.Fatal(err)
	}
	cur, err = r.GetWebhookCursor(ctx, "hook-1")
	if err != nil || cur != 4 {
		t.Fatalf("cursor %d err %v", cur, err)
	}
}

func TestActorsAndAPIKeys(t *testing.T) {
	r, ctx := newTestRepo(t)
	if _, err := r.GetActor(ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.UpdateActorRole(ctx, "ghost", domain.RoleQa); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on role update, got %v", err)
	}

	a := domain.Actor{ID: "a1", FullName: "Ana", Role: domain.RoleEmployee, CreatedAt: "2024-01-01T00:00:00Z"}
	if err := r.InsertActor(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateActorRole(ctx, "a1", domain.RoleQa); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetActor(ctx, "a1")
	if err != nil || got.Role != domain.RoleQa {
		t.Fatalf("role update not visible: %+v err %v", got, err)
	}

	raw := "secret-key-1"
	key := domain.APIKey{ID: "k1", ActorID: "a1", KeyHash: repo.HashAPIKey(raw)}
	if err := r.InsertAPIKey(ctx, nil, key); err != nil {
		t.Fatal(err)
	}
	found, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" secret-key-1 "))
	if err != nil || found.ActorID != "a1" {
		t.Fatalf("hash lookup failed: %+v err %v", found, err)
	}
	keys, err := r.ListAPIKeys(ctx, "a1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %d err %v", len(keys), err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
