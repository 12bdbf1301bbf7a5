package task

import (
	"fmt"
	"time"
)

// Document is the canonical persisted form of a task. Instants serialize
// as ISO-8601 in UTC via the standard time encoding.
type Document struct {
	TaskID          string     `json:"task_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Priority        string     `json:"priority"`
	Status          string     `json:"status"`
	CreatedBy       string     `json:"created_by"`
	Assignee        string     `json:"assignee,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	RequirementsIDs []string   `json:"requirements_ids"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	Tags            []string   `json:"tags"`
	ArtifactIDs     []string   `json:"artifact_ids"`
	Comments        []Comment  `json:"comments,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ToDocument snapshots the task for persistence. Pending events are not
// part of the document.
func (t *Task) ToDocument() Document {
	return Document{
		TaskID:          t.TaskID,
		Title:           t.Title,
		Description:     t.Description,
		Priority:        string(t.Priority),
		Status:          string(t.Status),
		CreatedBy:       t.CreatedBy,
		Assignee:        t.Assignee,
		DueDate:         copyTime(t.DueDate),
		RequirementsIDs: copyStrings(t.RequirementsIDs),
		ParentTaskID:    t.ParentTaskID,
		Tags:            copyStrings(t.Tags),
		ArtifactIDs:     copyStrings(t.ArtifactIDs),
		Comments:        copyComments(t.Comments),
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

// FromDocument reconstructs a task from its persisted form. Reconstructed
// tasks begin with an empty pending-event set.
func FromDocument(doc Document) (*Task, error) {
	if doc.TaskID == "" {
		return nil, fmt.Errorf("%w: document has no task_id", ErrValidation)
	}
	status, err := ParseStatus(doc.Status)
	if err != nil {
		return nil, err
	}
	priority, err := ParsePriority(doc.Priority)
	if err != nil {
		return nil, err
	}
	created := doc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := doc.UpdatedAt
	if updated.Before(created) {
		updated = created
	}
	return &Task{
		TaskID:          doc.TaskID,
		Title:           doc.Title,
		Description:     doc.Description,
		Priority:        priority,
		Status:          status,
		CreatedBy:       doc.CreatedBy,
		Assignee:        doc.Assignee,
		DueDate:         copyTime(doc.DueDate),
		RequirementsIDs: copyStrings(doc.RequirementsIDs),
		ParentTaskID:    doc.ParentTaskID,
		Tags:            copyStrings(doc.Tags),
		ArtifactIDs:     copyStrings(doc.ArtifactIDs),
		Comments:        copyComments(doc.Comments),
		CreatedAt:       created,
		UpdatedAt:       updated,
	}, nil
}

// Clone returns a deep copy of the task with no pending events. Used by
// repositories so callers never share aggregate state.
func (t *Task) Clone() *Task {
	clone, _ := FromDocument(t.ToDocument())
	return clone
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, candidate := range t.Tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyComments(in []Comment) []Comment {
	if in == nil {
		return nil
	}
	out := make([]Comment, len(in))
	copy(out, in)
	return out
}

func copyTime(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}
