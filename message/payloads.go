package message

import "time"

// Typed payloads for the event and command variants. Statuses and
// priorities travel as strings so the envelope layer stays independent of
// the aggregate's vocabulary.

// TaskCreatedPayload is a snapshot of the creation fields.
type TaskCreatedPayload struct {
	TaskID          string     `json:"task_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Priority        string     `json:"priority"`
	CreatedBy       string     `json:"created_by"`
	Assignee        string     `json:"assignee,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	RequirementsIDs []string   `json:"requirements_ids,omitempty"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
}

// TaskAssignedPayload records an assignment change.
type TaskAssignedPayload struct {
	TaskID           string `json:"task_id"`
	PreviousAssignee string `json:"previous_assignee,omitempty"`
	NewAssignee      string `json:"new_assignee"`
	AssignedBy       string `json:"assigned_by,omitempty"`
	AssignmentReason string `json:"assignment_reason,omitempty"`
}

// TaskUnassignedPayload records an assignee removal.
type TaskUnassignedPayload struct {
	TaskID           string `json:"task_id"`
	PreviousAssignee string `json:"previous_assignee"`
	UnassignedBy     string `json:"unassigned_by,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// TaskStatusChangedPayload records a lifecycle edge being taken.
type TaskStatusChangedPayload struct {
	TaskID             string   `json:"task_id"`
	PreviousStatus     string   `json:"previous_status"`
	NewStatus          string   `json:"new_status"`
	ChangedBy          string   `json:"changed_by,omitempty"`
	Reason             string   `json:"reason,omitempty"`
	RelatedArtifactIDs []string `json:"related_artifact_ids,omitempty"`
}

// TaskCompletedPayload records terminal completion.
type TaskCompletedPayload struct {
	TaskID         string         `json:"task_id"`
	CompletedBy    string         `json:"completed_by"`
	CompletionTime time.Time      `json:"completion_time"`
	OutcomeSummary string         `json:"outcome_summary"`
	DeliverableIDs []string       `json:"deliverable_ids,omitempty"`
	QualityMetrics map[string]any `json:"quality_metrics,omitempty"`
}

// TaskCanceledPayload records terminal cancellation.
type TaskCanceledPayload struct {
	TaskID     string `json:"task_id"`
	CanceledBy string `json:"canceled_by"`
	Reason     string `json:"reason,omitempty"`
}

// TaskCommentAddedPayload records a comment appended to a task.
type TaskCommentAddedPayload struct {
	TaskID   string   `json:"task_id"`
	Author   string   `json:"author,omitempty"`
	Comment  string   `json:"comment"`
	Question []string `json:"clarification_questions,omitempty"`
}

// ScanPayload marks the start or end of one orchestrator sweep.
type ScanPayload struct {
	ScanID    string    `json:"scan_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ClarificationRequestedPayload asks the requesting user for answers.
type ClarificationRequestedPayload struct {
	TaskID    string   `json:"task_id"`
	Questions []string `json:"questions"`
}

// ProductRequirementCreatedPayload announces a drafted requirement document.
type ProductRequirementCreatedPayload struct {
	RequirementID string         `json:"requirement_id"`
	TaskID        string         `json:"task_id"`
	Document      map[string]any `json:"document,omitempty"`
}

// HumanValidationRequestedPayload asks a human to review a requirement.
type HumanValidationRequestedPayload struct {
	TaskID         string `json:"task_id"`
	RequirementID  string `json:"requirement_id"`
	ValidationType string `json:"validation_type"`
}

// QueryTasksPayload is the filter criteria of a task query command.
type QueryTasksPayload struct {
	Status     string   `json:"status,omitempty"`
	StatusIn   []string `json:"status_in,omitempty"`
	AssignedTo string   `json:"assigned_to,omitempty"`
	Tag        string   `json:"tag,omitempty"`
	CreatedBy  string   `json:"created_by,omitempty"`
}

// UpdateTaskStatusPayload requests a status transition.
type UpdateTaskStatusPayload struct {
	TaskID    string `json:"task_id"`
	NewStatus string `json:"new_status"`
	ChangedBy string `json:"changed_by,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// AssignTaskPayload requests an assignment.
type AssignTaskPayload struct {
	TaskID           string `json:"task_id"`
	AgentID          string `json:"agent_id"`
	AssignedBy       string `json:"assigned_by,omitempty"`
	AssignmentReason string `json:"assignment_reason,omitempty"`
}

// UnassignTaskPayload requests an assignee removal.
type UnassignTaskPayload struct {
	TaskID       string `json:"task_id"`
	AgentID      string `json:"agent_id"`
	UnassignedBy string `json:"unassigned_by,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// AddTaskCommentPayload requests a comment append.
type AddTaskCommentPayload struct {
	TaskID                 string   `json:"task_id"`
	Comment                string   `json:"comment"`
	Author                 string   `json:"author,omitempty"`
	ClarificationQuestions []string `json:"clarification_questions,omitempty"`
}

// LinkRequirementToTaskPayload attaches a requirement document to a task.
type LinkRequirementToTaskPayload struct {
	TaskID        string `json:"task_id"`
	RequirementID string `json:"requirement_id"`
	LinkType      string `json:"link_type,omitempty"`
}

// SendNotificationPayload requests an outbound user notification.
type SendNotificationPayload struct {
	UserID           string         `json:"user_id"`
	TaskID           string         `json:"task_id"`
	NotificationType string         `json:"notification_type"`
	Content          map[string]any `json:"notification_content,omitempty"`
}
