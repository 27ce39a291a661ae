package domain

// Kind identifies which workflow graph governs an instance.
type Kind string

const (
	KindDocument      Kind = "document"
	KindCAPA          Kind = "capa"
	KindChangeControl Kind = "change_control"
)

// Kinds lists every workflow kind.
func Kinds() []Kind {
	return []Kind{KindDocument, KindCAPA, KindChangeControl}
}

// State is a stable string token; persisted as-is, never as an ordinal.
type State string

// Document states.
const (
	DocumentDraft         State = "draft"
	DocumentUnderReview   State = "under_review"
	DocumentUnderApproval State = "under_approval"
	DocumentApproved      State = "approved"
	DocumentRejected      State = "rejected"
	DocumentArchived      State = "archived"
)

// CAPA states.
const (
	CAPAOpen                State = "open"
	CAPAInProgress          State = "in_progress"
	CAPAPendingVerification State = "pending_verification"
	CAPAClosed              State = "closed"
	CAPASentBack            State = "sent_back"
)

// Change control states.
const (
	ChangeSubmitted State = "submitted"
	ChangeReviewed  State = "reviewed"
	ChangeApproved  State = "approved"
	ChangeRejected  State = "rejected"
)

// Role is a directory-level role name.
type Role string

const (
	RoleAdmin    Role = "Admin"
	RoleReviewer Role = "Reviewer"
	RoleApprover Role = "Approver"
	RoleEmployee Role = "Employee"
	RoleAuditor  Role = "Auditor"
	RoleQa       Role = "Qa"
)

// Roles lists the directory's role vocabulary.
func Roles() []Role {
	return []Role{RoleAdmin, RoleReviewer, RoleApprover, RoleEmployee, RoleAuditor, RoleQa}
}

// ValidRole reports whether r is part of the vocabulary.
func ValidRole(r Role) bool {
	for _, known := range Roles() {
		if known == r {
			return true
		}
	}
	return false
}

// Slot names an actor position on an instance. Which slots are
// meaningful depends on the kind.
type Slot string

const (
	SlotUploader         Slot = "uploader"
	SlotAssignedApprover Slot = "assigned_approver"
	SlotAssignedTo       Slot = "assigned_to"
	SlotAssignedBy       Slot = "assigned_by"
	SlotRequester        Slot = "requester"
	SlotReviewer         Slot = "reviewer"
	SlotApprover         Slot = "approver"
)

type Actor struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Email     string `json:"email,omitempty"`
	Role      Role   `json:"role" enum:"Admin,Reviewer,Approver,Employee,Auditor,Qa"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Instance is one in-flight workflow entity. Kind-specific fields are
// pointers and stay nil for kinds that do not use them.
type Instance struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind" enum:"document,capa,change_control"`
	Code        string `json:"code,omitempty"`
	State       State  `json:"state"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Uploader         *string `json:"uploader_id,omitempty"`
	AssignedApprover *string `json:"assigned_approver_id,omitempty"`
	AssignedTo       *string `json:"assigned_to,omitempty"`
	AssignedBy       *string `json:"assigned_by,omitempty"`
	Requester        *string `json:"requester_id,omitempty"`
	Reviewer         *string `json:"reviewer_id,omitempty"`
	Approver         *string `json:"approver_id,omitempty"`

	Version          string  `json:"version,omitempty"`
	DueDate          *string `json:"due_date,omitempty" format:"date-time"`
	EvidenceJSON     *string `json:"evidence_json,omitempty"`
	ActionTaken      *string `json:"action_taken,omitempty"`
	CompletionNotes  *string `json:"completion_notes,omitempty"`
	ReviewComments   *string `json:"review_comments,omitempty"`
	ApprovalComments *string `json:"approval_comments,omitempty"`

	StartedAt    *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string `json:"completed_at,omitempty" format:"date-time"`
	ClosedAt     *string `json:"closed_at,omitempty" format:"date-time"`
	ApprovedAt   *string `json:"approved_at,omitempty" format:"date-time"`
	ReviewDate   *string `json:"review_date,omitempty" format:"date-time"`
	ApprovalDate *string `json:"approval_date,omitempty" format:"date-time"`

	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`

	// LockVersion guards concurrent transitions; bumped on every save.
	LockVersion int64 `json:"-"`
}

// SlotValue returns the actor id bound to the named slot, if any.
func (i *Instance) SlotValue(s Slot) *string {
	switch s {
	case SlotUploader:
		return i.Uploader
	case SlotAssignedApprover:
		return i.AssignedApprover
	case SlotAssignedTo:
		return i.AssignedTo
	case SlotAssignedBy:
		return i.AssignedBy
	case SlotRequester:
		return i.Requester
	case SlotReviewer:
		return i.Reviewer
	case SlotApprover:
		return i.Approver
	}
	return nil
}

// SetSlot binds an actor id to the named slot.
func (i *Instance) SetSlot(s Slot, actorID string) {
	v := &actorID
	switch s {
	case SlotUploader:
		i.Uploader = v
	case SlotAssignedApprover:
		i.AssignedApprover = v
	case SlotAssignedTo:
		i.AssignedTo = v
	case SlotAssignedBy:
		i.AssignedBy = v
	case SlotRequester:
		i.Requester = v
	case SlotReviewer:
		i.Reviewer = v
	case SlotApprover:
		i.Approver = v
	}
}

// HistoryEntry is one committed transition. Immutable once written.
type HistoryEntry struct {
	ID            int64  `json:"id"`
	InstanceID    string `json:"instance_id"`
	Kind          Kind   `json:"kind"`
	EdgeName      string `json:"edge_name"`
	ActorID       string `json:"actor_id"`
	PreviousState State  `json:"previous_state,omitempty"`
	NewState      State  `json:"new_state"`
	Comments      string `json:"comments,omitempty"`
	PerformedAt   string `json:"performed_at" format:"date-time"`
}

// Alert is one notification-sweep finding.
type Alert struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	Kind       Kind   `json:"kind"`
	InstanceID string `json:"instance_id"`
	Age        string `json:"age"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
