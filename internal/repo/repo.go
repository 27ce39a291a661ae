package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"qmsline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale is returned when a guarded update matched no row because the
// instance changed underneath the caller.
var ErrStale = errors.New("stale instance")

const instanceColumns = `id,kind,code,state,title,description,
uploader_id,assigned_approver_id,assigned_to,assigned_by,requester_id,reviewer_id,approver_id,
version,due_date,evidence_json,action_taken,completion_notes,review_comments,approval_comments,
started_at,completed_at,closed_at,approved_at,review_date,approval_date,
created_at,updated_at,lock_version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (domain.Instance, error) {
	var in domain.Instance
	var slots [7]sql.NullString
	var opts [6]sql.NullString
	var stamps [6]sql.NullString
	err := row.Scan(&in.ID, &in.Kind, &in.Code, &in.State, &in.Title, &in.Description,
		&slots[0], &slots[1], &slots[2], &slots[3], &slots[4], &slots[5], &slots[6],
		&in.Version, &opts[0], &opts[1], &opts[2], &opts[3], &opts[4], &opts[5],
		&stamps[0], &stamps[1], &stamps[2], &stamps[3], &stamps[4], &stamps[5],
		&in.CreatedAt, &in.UpdatedAt, &in.LockVersion)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.Uploader = strPtr(slots[0])
	in.AssignedApprover = strPtr(slots[1])
	in.AssignedTo = strPtr(slots[2])
	in.AssignedBy = strPtr(slots[3])
	in.Requester = strPtr(slots[4])
	in.Reviewer = strPtr(slots[5])
	in.Approver = strPtr(slots[6])
	in.DueDate = strPtr(opts[0])
	in.EvidenceJSON = strPtr(opts[1])
	in.ActionTaken = strPtr(opts[2])
	in.CompletionNotes = strPtr(opts[3])
	in.ReviewComments = strPtr(opts[4])
	in.ApprovalComments = strPtr(opts[5])
	in.StartedAt = strPtr(stamps[0])
	in.CompletedAt = strPtr(stamps[1])
	in.ClosedAt = strPtr(stamps[2])
	in.ApprovedAt = strPtr(stamps[3])
	in.ReviewDate = strPtr(stamps[4])
	in.ApprovalDate = strPtr(stamps[5])
	return in, nil
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func (r Repo) InsertInstance(ctx context.Context, in domain.Instance) error {
	return insertInstance(ctx, r.DB.ExecContext, in)
}

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	return insertInstance(ctx, tx.ExecContext, in)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func insertInstance(ctx context.Context, exec execFunc, in domain.Instance) error {
	_, err := exec(ctx, `INSERT INTO workflow_instances(`+instanceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Kind, in.Code, in.State, in.Title, in.Description,
		nullableStringPtr(in.Uploader), nullableStringPtr(in.AssignedApprover), nullableStringPtr(in.AssignedTo),
		nullableStringPtr(in.AssignedBy), nullableStringPtr(in.Requester), nullableStringPtr(in.Reviewer), nullableStringPtr(in.Approver),
		in.Version, nullableStringPtr(in.DueDate), nullableStringPtr(in.EvidenceJSON), nullableStringPtr(in.ActionTaken),
		nullableStringPtr(in.CompletionNotes), nullableStringPtr(in.ReviewComments), nullableStringPtr(in.ApprovalComments),
		nullableStringPtr(in.StartedAt), nullableStringPtr(in.CompletedAt), nullableStringPtr(in.ClosedAt),
		nullableStringPtr(in.ApprovedAt), nullableStringPtr(in.ReviewDate), nullableStringPtr(in.ApprovalDate),
		in.CreatedAt, in.UpdatedAt, in.LockVersion)
	return err
}

func (r Repo) GetInstance(ctx context.Context, kind domain.Kind, id string) (domain.Instance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE kind=? AND id=?`, kind, id))
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, kind domain.Kind, id string) (domain.Instance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE kind=? AND id=?`, kind, id))
}

// UpdateInstanceTx persists every mutable field and bumps lock_version.
// The match is guarded by the lock_version the instance was read at; a
// miss means a concurrent writer won and the caller must retry or fail.
func (r Repo) UpdateInstanceTx(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_instances SET
code=?, state=?, title=?, description=?,
uploader_id=?, assigned_approver_id=?, assigned_to=?, assigned_by=?, requester_id=?, reviewer_id=?, approver_id=?,
version=?, due_date=?, evidence_json=?, action_taken=?, completion_notes=?, review_comments=?, approval_comments=?,
started_at=?, completed_at=?, closed_at=?, approved_at=?, review_date=?, approval_date=?,
updated_at=?, lock_version=lock_version+1
WHERE kind=? AND id=? AND lock_version=?`,
		in.Code, in.State, in.Title, in.Description,
		nullableStringPtr(in.Uploader), nullableStringPtr(in.AssignedApprover), nullableStringPtr(in.AssignedTo),
		nullableStringPtr(in.AssignedBy), nullableStringPtr(in.Requester), nullableStringPtr(in.Reviewer), nullableStringPtr(in.Approver),
		in.Version, nullableStringPtr(in.DueDate), nullableStringPtr(in.EvidenceJSON), nullableStringPtr(in.ActionTaken),
		nullableStringPtr(in.CompletionNotes), nullableStringPtr(in.ReviewComments), nullableStringPtr(in.ApprovalComments),
		nullableStringPtr(in.StartedAt), nullableStringPtr(in.CompletedAt), nullableStringPtr(in.ClosedAt),
		nullableStringPtr(in.ApprovedAt), nullableStringPtr(in.ReviewDate), nullableStringPtr(in.ApprovalDate),
		in.UpdatedAt, in.Kind, in.ID, in.LockVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

type InstanceFilters struct {
	Kind            domain.Kind
	State           domain.State
	AssignedTo      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.Instance, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, nil
}

func (r Repo) CountInstancesByState(ctx context.Context, kind domain.Kind) (map[domain.State]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM workflow_instances WHERE kind=? GROUP BY state`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.State]int{}
	for rows.Next() {
		var state domain.State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, nil
}

func (r Repo) ListHistory(ctx context.Context, kind domain.Kind, instanceID string, descending bool) ([]domain.HistoryEntry, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT id,instance_id,kind,edge_name,actor_id,previous_state,new_state,comments,performed_at
FROM history_entries WHERE kind=? AND instance_id=? ORDER BY id %s`, order)
	rows, err := r.DB.QueryContext(ctx, query, kind, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.InstanceID, &h.Kind, &h.EdgeName, &h.ActorID, &h.PreviousState, &h.NewState, &h.Comments, &h.PerformedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, nil
}

// HistoryAfter returns entries with IDs greater than the cursor in
// ascending order.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,instance_id,kind,edge_name,actor_id,previous_state,new_state,comments,performed_at
FROM history_entries WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.InstanceID, &h.Kind, &h.EdgeName, &h.ActorID, &h.PreviousState, &h.NewState, &h.Comments, &h.PerformedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, nil
}

// LatestHistoryID returns the most recent ledger entry ID.
func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM history_entries`).Scan(&id)
	return id, err
}

func (r Repo) GetWebhookCursor(ctx context.Context, hookID string) (int64, error) {
	var last int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_entry_id FROM webhook_cursors WHERE hook_id=?`, hookID).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return last, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, hookID string, lastEntryID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(hook_id,last_entry_id) VALUES (?,?)
ON CONFLICT(hook_id) DO UPDATE SET last_entry_id=excluded.last_entry_id`, hookID, lastEntryID)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
