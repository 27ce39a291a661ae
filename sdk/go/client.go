package qmslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Qmsline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Instance represents a workflow instance (partial).
type Instance struct {
	ID          string  `json:"id"`
	Kind        string  `json:"kind"`
	Code        string  `json:"code,omitempty"`
	State       string  `json:"state"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Version     string  `json:"version,omitempty"`
	UploaderID  *string `json:"uploader_id,omitempty"`
	AssignedTo  *string `json:"assigned_to,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// HistoryEntry represents one ledger row.
type HistoryEntry struct {
	ID            int64  `json:"id"`
	InstanceID    string `json:"instance_id"`
	Kind          string `json:"kind"`
	EdgeName      string `json:"edge_name"`
	ActorID       string `json:"actor_id"`
	PreviousState string `json:"previous_state"`
	NewState      string `json:"new_state"`
	Comments      string `json:"comments,omitempty"`
	PerformedAt   string `json:"performed_at"`
}

// Alert represents a notification sweep result.
type Alert struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	Kind       string `json:"kind"`
	InstanceID string `json:"instance_id"`
	Age        string `json:"age"`
}

// TransitionPayload carries edge-specific inputs.
type TransitionPayload struct {
	Decision        string  `json:"decision,omitempty"`
	Comments        string  `json:"comments,omitempty"`
	AssigneeID      string  `json:"assignee_id,omitempty"`
	EvidenceJSON    *string `json:"evidence_json,omitempty"`
	ActionTaken     string  `json:"action_taken,omitempty"`
	CompletionNotes string  `json:"completion_notes,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

const (
	KindDocument      = "documents"
	KindCAPA          = "capas"
	KindChangeControl = "change-controls"
)

// CreateDocument uploads a new controlled document.
func (c *Client) CreateDocument(ctx context.Context, title, description string) (Instance, error) {
	body := map[string]any{"title": title, "description": description}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "v0/documents", body, &resp)
	return resp, err
}

// CreateCAPA opens a CAPA, optionally assigned and dated.
func (c *Client) CreateCAPA(ctx context.Context, title, description, assigneeID string, dueDate *string) (Instance, error) {
	body := map[string]any{"title": title, "description": description}
	if assigneeID != "" {
		body["assignee_id"] = assigneeID
	}
	if dueDate != nil {
		body["due_date"] = *dueDate
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "v0/capas", body, &resp)
	return resp, err
}

// CreateChangeControl submits a change control with its reviewer and approver.
func (c *Client) CreateChangeControl(ctx context.Context, title, description, reviewerID, approverID string) (Instance, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"reviewer_id": reviewerID,
		"approver_id": approverID,
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, "v0/change-controls", body, &resp)
	return resp, err
}

// Transition applies one workflow edge to an instance. collection is one
// of KindDocument, KindCAPA or KindChangeControl.
func (c *Client) Transition(ctx context.Context, collection, id, edge string, payload TransitionPayload) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v0/%s/%s/transitions/%s", collection, url.PathEscape(id), url.PathEscape(edge))
	err := c.do(ctx, http.MethodPost, endpoint, payload, &resp)
	return resp, err
}

// Get fetches one instance.
func (c *Client) Get(ctx context.Context, collection, id string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v0/%s/%s", collection, url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// List returns instances of one collection, optionally filtered by state.
func (c *Client) List(ctx context.Context, collection, state string) ([]Instance, error) {
	endpoint := "v0/" + collection
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp []Instance
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the transition ledger for an instance, oldest first.
func (c *Client) History(ctx context.Context, collection, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	endpoint := fmt.Sprintf("v0/%s/%s/history", collection, url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Notifications runs the due-date sweep.
func (c *Client) Notifications(ctx context.Context) ([]Alert, error) {
	var resp []Alert
	err := c.do(ctx, http.MethodGet, "v0/notifications", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
