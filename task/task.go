// Package task holds the task aggregate: the entity, its status machine
// and the domain events its operations emit. The aggregate is synchronous;
// persistence and event publishing belong to the service layer.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/taskhive/message"
)

// Comment is a note appended to a task, optionally carrying clarification
// questions for the requesting user.
type Comment struct {
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	Questions []string  `json:"clarification_questions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the aggregate root. Mutate it only through its named operations;
// every mutating operation refreshes UpdatedAt and appends the produced
// domain events to the pending set.
type Task struct {
	TaskID          string
	Title           string
	Description     string
	Priority        Priority
	Status          Status
	CreatedBy       string
	Assignee        string
	DueDate         *time.Time
	RequirementsIDs []string
	ParentTaskID    string
	Tags            []string
	ArtifactIDs     []string
	Comments        []Comment
	CreatedAt       time.Time
	UpdatedAt       time.Time

	pendingEvents []message.Event
}

// CreateParams are the inputs to the New factory.
type CreateParams struct {
	Title           string
	Description     string
	Priority        Priority
	CreatedBy       string
	DueDate         *time.Time
	RequirementsIDs []string
	ParentTaskID    string
	Tags            []string
}

// New creates a task in the created state and records a TaskCreated event.
func New(p CreateParams) (*Task, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	} else if _, err := ParsePriority(string(p.Priority)); err != nil {
		return nil, err
	}
	if p.CreatedBy == "" {
		p.CreatedBy = "system"
	}

	now := time.Now().UTC()
	t := &Task{
		TaskID:          uuid.NewString(),
		Title:           p.Title,
		Description:     p.Description,
		Priority:        p.Priority,
		Status:          StatusCreated,
		CreatedBy:       p.CreatedBy,
		DueDate:         p.DueDate,
		RequirementsIDs: dedupe(nil, p.RequirementsIDs...),
		ParentTaskID:    p.ParentTaskID,
		Tags:            dedupe(nil, p.Tags...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	t.record(message.NewEvent(message.EventTaskCreated, message.TaskCreatedPayload{
		TaskID:          t.TaskID,
		Title:           t.Title,
		Description:     t.Description,
		Priority:        string(t.Priority),
		CreatedBy:       t.CreatedBy,
		DueDate:         t.DueDate,
		RequirementsIDs: t.RequirementsIDs,
		ParentTaskID:    t.ParentTaskID,
		Tags:            t.Tags,
	}))
	return t, nil
}

// Assign sets the assignee. A task still in the created state transitions
// to assigned; the TaskAssigned event precedes the TaskStatusChanged event.
func (t *Task) Assign(assignee, assignedBy, reason string) error {
	if assignee == "" {
		return fmt.Errorf("%w: assignee is required", ErrValidation)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: cannot assign a %s task", ErrInvalidOperation, t.Status)
	}

	previous := t.Assignee
	t.Assignee = assignee
	t.touch()
	t.record(message.NewEvent(message.EventTaskAssigned, message.TaskAssignedPayload{
		TaskID:           t.TaskID,
		PreviousAssignee: previous,
		NewAssignee:      assignee,
		AssignedBy:       assignedBy,
		AssignmentReason: reason,
	}))

	if t.Status == StatusCreated {
		t.applyStatus(StatusAssigned, assignedBy, reason, nil)
	}
	return nil
}

// Unassign clears the assignee and records a TaskUnassigned event. The
// status is left unchanged.
func (t *Task) Unassign(unassignedBy, reason string) error {
	if t.Assignee == "" {
		return fmt.Errorf("%w: task %s has no assignee", ErrInvalidOperation, t.TaskID)
	}
	previous := t.Assignee
	t.Assignee = ""
	t.touch()
	t.record(message.NewEvent(message.EventTaskUnassigned, message.TaskUnassignedPayload{
		TaskID:           t.TaskID,
		PreviousAssignee: previous,
		UnassignedBy:     unassignedBy,
		Reason:           reason,
	}))
	return nil
}

// ChangeStatus moves the task along an allowed edge. A transition to the
// current status is a no-op that produces no event. Artifact ids, if given,
// are appended before the event is recorded.
func (t *Task) ChangeStatus(next Status, changedBy, reason string, artifactIDs []string) error {
	if _, err := ParseStatus(string(next)); err != nil {
		return err
	}
	if next == t.Status {
		return nil
	}
	if t.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidOperation, t.TaskID, t.Status)
	}
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.applyStatus(next, changedBy, reason, artifactIDs)
	return nil
}

// Complete moves the task to completed and records a TaskCompleted event.
// It fails on terminal states and on any state from which completed is not
// reachable.
func (t *Task) Complete(completedBy, outcomeSummary string, deliverableIDs []string, qualityMetrics map[string]any) error {
	switch t.Status {
	case StatusCanceled:
		return fmt.Errorf("%w: cannot complete a canceled task", ErrInvalidOperation)
	case StatusCompleted:
		return fmt.Errorf("%w: task %s is already completed", ErrInvalidOperation, t.TaskID)
	}
	if !t.Status.CanTransitionTo(StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCompleted)
	}

	t.applyStatus(StatusCompleted, completedBy, outcomeSummary, deliverableIDs)
	t.record(message.NewEvent(message.EventTaskCompleted, message.TaskCompletedPayload{
		TaskID:         t.TaskID,
		CompletedBy:    completedBy,
		CompletionTime: t.UpdatedAt,
		OutcomeSummary: outcomeSummary,
		DeliverableIDs: deliverableIDs,
		QualityMetrics: qualityMetrics,
	}))
	return nil
}

// Cancel moves the task to canceled and records a TaskCanceled event.
func (t *Task) Cancel(canceledBy, reason string) error {
	switch t.Status {
	case StatusCompleted:
		return fmt.Errorf("%w: cannot cancel a completed task", ErrInvalidOperation)
	case StatusCanceled:
		return fmt.Errorf("%w: task %s is already canceled", ErrInvalidOperation, t.TaskID)
	}

	t.applyStatus(StatusCanceled, canceledBy, reason, nil)
	t.record(message.NewEvent(message.EventTaskCanceled, message.TaskCanceledPayload{
		TaskID:     t.TaskID,
		CanceledBy: canceledBy,
		Reason:     reason,
	}))
	return nil
}

// StartProgress moves an assigned or blocked task to in_progress.
func (t *Task) StartProgress(startedBy string) error {
	if t.Status != StatusAssigned && t.Status != StatusBlocked {
		return fmt.Errorf("%w: cannot start progress from %s", ErrInvalidTransition, t.Status)
	}
	return t.ChangeStatus(StatusInProgress, startedBy, "", nil)
}

// Block moves an assigned or in_progress task to blocked.
func (t *Task) Block(blockedBy, reason string) error {
	if t.Status != StatusAssigned && t.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot block from %s", ErrInvalidTransition, t.Status)
	}
	return t.ChangeStatus(StatusBlocked, blockedBy, reason, nil)
}

// ReadyForReview moves an in_progress task to review, attaching the
// produced artifacts.
func (t *Task) ReadyForReview(submittedBy string, artifactIDs []string) error {
	if t.Status != StatusInProgress {
		return fmt.Errorf("%w: cannot submit for review from %s", ErrInvalidTransition, t.Status)
	}
	return t.ChangeStatus(StatusReview, submittedBy, "", artifactIDs)
}

// AddComment appends a comment and records a TaskCommentAdded event.
func (t *Task) AddComment(author, text string, questions []string) error {
	if text == "" {
		return fmt.Errorf("%w: comment text is required", ErrValidation)
	}
	t.touch()
	t.Comments = append(t.Comments, Comment{
		Author:    author,
		Text:      text,
		Questions: questions,
		CreatedAt: t.UpdatedAt,
	})
	t.record(message.NewEvent(message.EventTaskCommentAdded, message.TaskCommentAddedPayload{
		TaskID:   t.TaskID,
		Author:   author,
		Comment:  text,
		Question: questions,
	}))
	return nil
}

// LinkRequirement attaches a requirement id to the task. Duplicates are
// ignored; no event is produced.
func (t *Task) LinkRequirement(requirementID string) error {
	if requirementID == "" {
		return fmt.Errorf("%w: requirement id is required", ErrValidation)
	}
	t.RequirementsIDs = dedupe(t.RequirementsIDs, requirementID)
	t.touch()
	return nil
}

// PendingEvents returns a copy of the events produced by the current unit
// of work, in the order they were appended.
func (t *Task) PendingEvents() []message.Event {
	out := make([]message.Event, len(t.pendingEvents))
	copy(out, t.pendingEvents)
	return out
}

// ClearPendingEvents drops the pending set after a successful publish.
func (t *Task) ClearPendingEvents() {
	t.pendingEvents = nil
}

// applyStatus performs the edge, appends artifacts and records the event.
// Callers have already validated the transition.
func (t *Task) applyStatus(next Status, changedBy, reason string, artifactIDs []string) {
	previous := t.Status
	t.Status = next
	t.ArtifactIDs = dedupe(t.ArtifactIDs, artifactIDs...)
	t.touch()
	t.record(message.NewEvent(message.EventTaskStatusChanged, message.TaskStatusChangedPayload{
		TaskID:             t.TaskID,
		PreviousStatus:     string(previous),
		NewStatus:          string(next),
		ChangedBy:          changedBy,
		Reason:             reason,
		RelatedArtifactIDs: artifactIDs,
	}))
}

func (t *Task) record(evt message.Event) {
	t.pendingEvents = append(t.pendingEvents, evt)
}

// touch advances UpdatedAt, keeping it strictly monotonic even when the
// clock has not moved between two operations.
func (t *Task) touch() {
	now := time.Now().UTC()
	if !now.After(t.UpdatedAt) {
		now = t.UpdatedAt.Add(time.Nanosecond)
	}
	t.UpdatedAt = now
}

// dedupe appends values to a sequence, preserving order and ignoring
// entries already present.
func dedupe(existing []string, values ...string) []string {
	seen := make(map[string]struct{}, len(existing)+len(values))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	out := existing
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
