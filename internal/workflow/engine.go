package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qmsline/internal/config"
	"qmsline/internal/domain"
	"qmsline/internal/history"
	"qmsline/internal/notify"
	"qmsline/internal/repo"
)

// Engine applies transitions against the registered definitions. All
// state changes in the system go through AttemptTransition; creation
// operations only ever place an instance in its kind's initial state.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	History  history.Writer
	Registry Registry
	Config   *config.Config
	Notifier notify.Dispatcher
	Now      func() time.Time
}

// New validates the built-in definitions and wires the engine. A
// malformed definition is a startup failure.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	registry := DefaultRegistry()
	if err := registry.Validate(); err != nil {
		return Engine{}, fmt.Errorf("workflow definitions: %w", err)
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		History:  history.Writer{DB: db},
		Registry: registry,
		Config:   cfg,
		Now:      time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AttemptTransition is the single entry point for changing state. It
// loads the instance, evaluates the edge's guards in order (state,
// actor rule, extra precondition), applies the effects to one mutable
// copy, and commits the updated instance together with exactly one
// history entry. On any guard failure nothing is written.
func (e Engine) AttemptTransition(ctx context.Context, kind domain.Kind, instanceID, edgeName, actorID string, payload Payload) (domain.Instance, error) {
	def, ok := e.Registry[kind]
	if !ok {
		return domain.Instance{}, notFound(kind, instanceID)
	}
	edge, ok := def.Edge(edgeName)
	if !ok {
		return domain.Instance{}, unknownEdge(kind, edgeName)
	}
	actor, err := e.Repo.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Instance{}, forbidden("actor " + actorID + " not in directory")
		}
		return domain.Instance{}, err
	}
	var assignee *domain.Actor
	if payload.AssigneeID != "" {
		a, err := e.Repo.GetActor(ctx, payload.AssigneeID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Instance{}, preconditionFailed("assignee " + payload.AssigneeID + " not in directory")
			}
			return domain.Instance{}, err
		}
		assignee = &a
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetInstanceTx(ctx, tx, kind, instanceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Instance{}, notFound(kind, instanceID)
		}
		return domain.Instance{}, err
	}

	if !stateIn(in.State, edge.From) {
		return in, invalidState(edge.Name, in.State, edge.From)
	}
	if !edge.Rule.Allows(actor, &in) {
		return in, forbidden(fmt.Sprintf("actor %s (%s) may not apply %s", actor.ID, actor.Role, edge.Name))
	}
	to := edge.To
	if edge.RejectTo != "" {
		switch payload.Decision {
		case "approve":
			to = edge.To
		case "reject":
			to = edge.RejectTo
		default:
			return in, preconditionFailed("decision must be approve or reject")
		}
	}
	if to == "" {
		to = in.State
	}

	step := &Step{
		Instance: &in,
		Actor:    actor,
		Assignee: assignee,
		Payload:  payload,
		From:     in.State,
		To:       to,
		Now:      e.now(),
	}
	if edge.Guard != nil {
		if err := edge.Guard(step); err != nil {
			return in, err
		}
	}

	previous := in.State
	in.State = to
	for _, effect := range edge.Effects {
		effect(step)
	}
	in.UpdatedAt = step.Now.UTC().Format(time.RFC3339)

	if err := e.Repo.UpdateInstanceTx(ctx, tx, in); err != nil {
		if errors.Is(err, repo.ErrStale) {
			return in, conflict(kind, instanceID)
		}
		return in, err
	}
	entry := domain.HistoryEntry{
		InstanceID:    in.ID,
		Kind:          kind,
		EdgeName:      edge.Name,
		ActorID:       actor.ID,
		PreviousState: previous,
		NewState:      in.State,
		Comments:      payload.Comments,
		PerformedAt:   step.Now.UTC().Format(time.RFC3339),
	}
	if err := e.History.Append(ctx, tx, entry); err != nil {
		return in, err
	}
	if err := tx.Commit(); err != nil {
		return in, err
	}
	in.LockVersion++
	e.afterCommit(entry, in)
	return in, nil
}

// afterCommit fires the post-commit hook for the edges that notify.
// The dispatch runs detached and is never awaited; a hook failure
// cannot undo a committed transition.
func (e Engine) afterCommit(entry domain.HistoryEntry, in domain.Instance) {
	if e.Notifier == nil {
		return
	}
	notifies := (in.Kind == domain.KindDocument && in.State == domain.DocumentApproved) ||
		(in.Kind == domain.KindCAPA && in.State == domain.CAPAClosed)
	if !notifies {
		return
	}
	go e.Notifier.Dispatch(context.Background(), notify.Event{Entry: entry, Instance: in})
}

func stateIn(s domain.State, set []domain.State) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

// GetHistory returns the instance's committed transitions, oldest
// first, or newest first when newestFirst is set. Order is stable in
// both directions.
func (e Engine) GetHistory(ctx context.Context, kind domain.Kind, instanceID string, newestFirst bool) ([]domain.HistoryEntry, error) {
	if _, ok := e.Registry[kind]; !ok {
		return nil, notFound(kind, instanceID)
	}
	if _, err := e.Repo.GetInstance(ctx, kind, instanceID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, notFound(kind, instanceID)
		}
		return nil, err
	}
	return e.Repo.ListHistory(ctx, kind, instanceID, newestFirst)
}

// DocumentCreateOptions are parameters for uploading a document.
type DocumentCreateOptions struct {
	ID          string
	Title       string
	Description string
	ActorID     string
}

func (e Engine) CreateDocument(ctx context.Context, opts DocumentCreateOptions) (domain.Instance, error) {
	if opts.Title == "" {
		return domain.Instance{}, errors.New("title is required")
	}
	actor, err := e.Repo.GetActor(ctx, opts.ActorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Instance{}, forbidden("actor " + opts.ActorID + " not in directory")
		}
		return domain.Instance{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	in := domain.Instance{
		ID:          e.instanceID(opts.ID, domain.KindDocument, opts.Title, now),
		Kind:        domain.KindDocument,
		State:       domain.DocumentDraft,
		Title:       opts.Title,
		Description: opts.Description,
		Version:     NextVersion("", domain.DocumentDraft),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	in.SetSlot(domain.SlotUploader, actor.ID)
	return in, e.insertInstance(ctx, in, actor.ID)
}

// CAPACreateOptions are parameters for opening a CAPA.
type CAPACreateOptions struct {
	ID          string
	Title       string
	Description string
	DueDate     *string
	AssigneeID  string
	ActorID     string
}

func (e Engine) CreateCAPA(ctx context.Context, opts CAPACreateOptions) (domain.Instance, error) {
	if opts.Title == "" {
		return domain.Instance{}, errors.New("title is required")
	}
	actor, err := e.Repo.GetActor(ctx, opts.ActorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Instance{}, forbidden("actor " + opts.ActorID + " not in directory")
		}
		return domain.Instance{}, err
	}
	nowT := e.now()
	now := nowT.UTC().Format(time.RFC3339)
	in := domain.Instance{
		ID:          e.instanceID(opts.ID, domain.KindCAPA, opts.Title, now),
		Kind:        domain.KindCAPA,
		Code:        fmt.Sprintf("CAPA-%d", nowT.UnixMilli()),
		State:       domain.CAPAOpen,
		Title:       opts.Title,
		Description: opts.Description,
		DueDate:     opts.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.AssigneeID != "" {
		assignee, err := e.Repo.GetActor(ctx, opts.AssigneeID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Instance{}, preconditionFailed("assignee " + opts.AssigneeID + " not in directory")
			}
			return domain.Instance{}, err
		}
		if assignee.Role != domain.RoleEmployee {
			return domain.Instance{}, preconditionFailed("assignee " + assignee.ID + " does not hold role Employee")
		}
		in.SetSlot(domain.SlotAssignedTo, assignee.ID)
		in.SetSlot(domain.SlotAssignedBy, actor.ID)
	}
	return in, e.insertInstance(ctx, in, actor.ID)
}

// ChangeControlCreateOptions are parameters for submitting a change
// request. Reviewer and approver are bound here and never reassigned.
type ChangeControlCreateOptions struct {
	ID          string
	Title       string
	Description string
	ReviewerID  string
	ApproverID  string
	ActorID     string
}

func (e Engine) CreateChangeControl(ctx context.Context, opts ChangeControlCreateOptions) (domain.Instance, error) {
	if opts.Title == "" {
		return domain.Instance{}, errors.New("title is required")
	}
	actor, err := e.Repo.GetActor(ctx, opts.ActorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Instance{}, forbidden("actor " + opts.ActorID + " not in directory")
		}
		return domain.Instance{}, err
	}
	reviewer, err := e.requireRole(ctx, opts.ReviewerID, domain.RoleReviewer)
	if err != nil {
		return domain.Instance{}, err
	}
	approver, err := e.requireRole(ctx, opts.ApproverID, domain.RoleApprover)
	if err != nil {
		return domain.Instance{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	in := domain.Instance{
		ID:          e.instanceID(opts.ID, domain.KindChangeControl, opts.Title, now),
		Kind:        domain.KindChangeControl,
		State:       domain.ChangeSubmitted,
		Title:       opts.Title,
		Description: opts.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	in.SetSlot(domain.SlotRequester, actor.ID)
	in.SetSlot(domain.SlotReviewer, reviewer.ID)
	in.SetSlot(domain.SlotApprover, approver.ID)
	return in, e.insertInstance(ctx, in, actor.ID)
}

func (e Engine) requireRole(ctx context.Context, actorID string, role domain.Role) (domain.Actor, error) {
	if actorID == "" {
		return domain.Actor{}, preconditionFailed(string(role) + " is required")
	}
	a, err := e.Repo.GetActor(ctx, actorID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Actor{}, preconditionFailed("actor " + actorID + " not in directory")
		}
		return domain.Actor{}, err
	}
	if a.Role != role {
		return domain.Actor{}, preconditionFailed("actor " + a.ID + " does not hold role " + string(role))
	}
	return a, nil
}

func (e Engine) instanceID(explicit string, kind domain.Kind, title, now string) string {
	if explicit != "" {
		return explicit
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(kind)+"|"+title+"|"+now)).String()
}

// insertInstance persists a new instance and its initial "created"
// ledger entry in one transaction.
func (e Engine) insertInstance(ctx context.Context, in domain.Instance, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertInstanceTx(ctx, tx, in); err != nil {
		return err
	}
	if err := e.History.Append(ctx, tx, domain.HistoryEntry{
		InstanceID:  in.ID,
		Kind:        in.Kind,
		EdgeName:    "created",
		ActorID:     actorID,
		NewState:    in.State,
		PerformedAt: in.CreatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
