package server

import "qmsline/internal/domain"

type CreateActorRequest struct {
	ID       string      `json:"id,omitempty" doc:"Optional explicit actor ID"`
	FullName string      `json:"full_name"`
	Email    string      `json:"email,omitempty"`
	Role     domain.Role `json:"role" enum:"Admin,Reviewer,Approver,Employee,Auditor,Qa"`
}

type CreateDocumentRequest struct {
	ID          string `json:"id,omitempty" doc:"Optional explicit instance ID"`
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
}

type CreateCAPARequest struct {
	ID          string  `json:"id,omitempty"`
	Title       string  `json:"title" minLength:"1"`
	Description string  `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty" doc:"RFC 3339 timestamp"`
	AssigneeID  string  `json:"assignee_id,omitempty"`
}

type CreateChangeControlRequest struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title" minLength:"1"`
	Description string `json:"description,omitempty"`
	ReviewerID  string `json:"reviewer_id"`
	ApproverID  string `json:"approver_id"`
}

// APIKeyIssuedResponse carries the raw key exactly once, at issue time.
type APIKeyIssuedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}
