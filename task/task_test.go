package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/taskhive/message"
)

func mustCreate(t *testing.T) *Task {
	t.Helper()
	created, err := New(CreateParams{
		Title:       "T1",
		Description: "D1",
		Priority:    PriorityMedium,
		CreatedBy:   "u1",
	})
	require.NoError(t, err)
	return created
}

func eventTypes(events []message.Event) []string {
	out := make([]string, len(events))
	for i, evt := range events {
		out[i] = evt.Metadata.EventType
	}
	return out
}

func TestNewEmitsTaskCreated(t *testing.T) {
	created := mustCreate(t)

	assert.NotEmpty(t, created.TaskID)
	assert.Equal(t, StatusCreated, created.Status)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	events := created.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, message.EventTaskCreated, events[0].Metadata.EventType)
	assert.Equal(t, message.Version, events[0].Metadata.Version)
	assert.NotEmpty(t, events[0].Metadata.EventID)
}

func TestNewDefaults(t *testing.T) {
	created, err := New(CreateParams{Title: "bare"})
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, created.Priority)
	assert.Equal(t, "system", created.CreatedBy)
}

func TestNewRequiresTitle(t *testing.T) {
	_, err := New(CreateParams{})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestFullLifecycleEventOrder(t *testing.T) {
	tk := mustCreate(t)

	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.StartProgress("agent-1"))
	require.NoError(t, tk.ReadyForReview("agent-1", nil))
	require.NoError(t, tk.Complete("reviewer", "ok", []string{"a1"}, nil))

	assert.Equal(t, StatusCompleted, tk.Status)
	assert.Equal(t, []string{
		message.EventTaskCreated,
		message.EventTaskAssigned,
		message.EventTaskStatusChanged, // created -> assigned
		message.EventTaskStatusChanged, // assigned -> in_progress
		message.EventTaskStatusChanged, // in_progress -> review
		message.EventTaskStatusChanged, // review -> completed
		message.EventTaskCompleted,
	}, eventTypes(tk.PendingEvents()))
	assert.Equal(t, []string{"a1"}, tk.ArtifactIDs)
}

func TestAssignFromCreatedOrdersEvents(t *testing.T) {
	tk := mustCreate(t)
	tk.ClearPendingEvents()

	require.NoError(t, tk.Assign("agent-1", "admin", "capacity"))
	assert.Equal(t, StatusAssigned, tk.Status)

	events := tk.PendingEvents()
	require.Len(t, events, 2)
	assert.Equal(t, message.EventTaskAssigned, events[0].Metadata.EventType)
	assert.Equal(t, message.EventTaskStatusChanged, events[1].Metadata.EventType)

	payload, err := message.DecodePayload[message.TaskAssignedPayload](events[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", payload.NewAssignee)
	assert.Equal(t, "admin", payload.AssignedBy)
	assert.Empty(t, payload.PreviousAssignee)
}

func TestAssignBeyondCreatedKeepsStatus(t *testing.T) {
	tk := mustCreate(t)
	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.StartProgress("agent-1"))
	tk.ClearPendingEvents()

	require.NoError(t, tk.Assign("agent-2", "admin", "handover"))
	assert.Equal(t, StatusInProgress, tk.Status)
	assert.Equal(t, "agent-2", tk.Assignee)
	require.Len(t, tk.PendingEvents(), 1)
}

func TestIllegalTransitionEmitsNothing(t *testing.T) {
	tk := mustCreate(t)
	tk.ClearPendingEvents()
	before := tk.UpdatedAt

	err := tk.ChangeStatus(StatusReview, "u1", "", nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusCreated, tk.Status)
	assert.Empty(t, tk.PendingEvents())
	assert.Equal(t, before, tk.UpdatedAt)
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	tk := mustCreate(t)
	tk.ClearPendingEvents()
	before := tk.UpdatedAt

	require.NoError(t, tk.ChangeStatus(StatusCreated, "u1", "", nil))
	assert.Empty(t, tk.PendingEvents())
	assert.Equal(t, before, tk.UpdatedAt)
}

func TestCancelCompletedFails(t *testing.T) {
	tk := mustCreate(t)
	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.StartProgress("agent-1"))
	require.NoError(t, tk.ReadyForReview("agent-1", nil))
	require.NoError(t, tk.Complete("reviewer", "ok", nil, nil))

	err := tk.Cancel("u1", "late")
	assert.True(t, errors.Is(err, ErrInvalidOperation))
	assert.Equal(t, StatusCompleted, tk.Status)
}

func TestCompleteCanceledFails(t *testing.T) {
	tk := mustCreate(t)
	require.NoError(t, tk.Cancel("u1", "obsolete"))

	err := tk.Complete("u1", "", nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidOperation))
	assert.Equal(t, StatusCanceled, tk.Status)
}

func TestCompleteRequiresReachableEdge(t *testing.T) {
	tk := mustCreate(t)
	require.NoError(t, tk.Assign("agent-1", "admin", ""))

	err := tk.Complete("agent-1", "too soon", nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, StatusAssigned, tk.Status)
}

func TestCancelEmitsStatusChangeThenCanceled(t *testing.T) {
	tk := mustCreate(t)
	tk.ClearPendingEvents()

	require.NoError(t, tk.Cancel("u1", "obsolete"))
	types := eventTypes(tk.PendingEvents())
	assert.Equal(t, []string{message.EventTaskStatusChanged, message.EventTaskCanceled}, types)
}

func TestConvenienceWrappersEnforceSource(t *testing.T) {
	tk := mustCreate(t)
	assert.True(t, errors.Is(tk.StartProgress("u1"), ErrInvalidTransition))
	assert.True(t, errors.Is(tk.ReadyForReview("u1", nil), ErrInvalidTransition))
	assert.True(t, errors.Is(tk.Block("u1", "waiting"), ErrInvalidTransition))

	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.Block("agent-1", "waiting on upstream"))
	assert.Equal(t, StatusBlocked, tk.Status)
	require.NoError(t, tk.StartProgress("agent-1"))
	assert.Equal(t, StatusInProgress, tk.Status)
}

func TestUpdatedAtStrictlyMonotonic(t *testing.T) {
	tk := mustCreate(t)
	previous := tk.UpdatedAt

	for _, step := range []func() error{
		func() error { return tk.Assign("agent-1", "admin", "") },
		func() error { return tk.AddComment("admin", "note", nil) },
		func() error { return tk.StartProgress("agent-1") },
		func() error { return tk.ReadyForReview("agent-1", []string{"a1"}) },
	} {
		require.NoError(t, step())
		assert.True(t, tk.UpdatedAt.After(previous))
		assert.False(t, tk.UpdatedAt.Before(tk.CreatedAt))
		previous = tk.UpdatedAt
	}
}

func TestArtifactsNeverShrink(t *testing.T) {
	tk := mustCreate(t)
	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	require.NoError(t, tk.StartProgress("agent-1"))
	require.NoError(t, tk.ReadyForReview("agent-1", []string{"a1", "a2"}))
	assert.Equal(t, []string{"a1", "a2"}, tk.ArtifactIDs)

	require.NoError(t, tk.ChangeStatus(StatusInProgress, "reviewer", "rework", []string{"a2", "a3"}))
	assert.Equal(t, []string{"a1", "a2", "a3"}, tk.ArtifactIDs)
}

func TestAddComment(t *testing.T) {
	tk := mustCreate(t)
	tk.ClearPendingEvents()

	require.NoError(t, tk.AddComment("pm", "please clarify", []string{"what scope?"}))
	require.Len(t, tk.Comments, 1)
	assert.Equal(t, "please clarify", tk.Comments[0].Text)
	assert.Equal(t, []string{"what scope?"}, tk.Comments[0].Questions)

	events := tk.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, message.EventTaskCommentAdded, events[0].Metadata.EventType)

	assert.True(t, errors.Is(tk.AddComment("pm", "", nil), ErrValidation))
}

func TestLinkRequirementDedupes(t *testing.T) {
	tk := mustCreate(t)
	require.NoError(t, tk.LinkRequirement("req-1"))
	require.NoError(t, tk.LinkRequirement("req-1"))
	require.NoError(t, tk.LinkRequirement("req-2"))
	assert.Equal(t, []string{"req-1", "req-2"}, tk.RequirementsIDs)
	assert.True(t, errors.Is(tk.LinkRequirement(""), ErrValidation))
}

func TestUnassign(t *testing.T) {
	tk := mustCreate(t)
	assert.True(t, errors.Is(tk.Unassign("admin", ""), ErrInvalidOperation))

	require.NoError(t, tk.Assign("agent-1", "admin", ""))
	tk.ClearPendingEvents()
	require.NoError(t, tk.Unassign("admin", "pool drained"))
	assert.Empty(t, tk.Assignee)
	assert.Equal(t, StatusAssigned, tk.Status, "unassignment does not change status")

	events := tk.PendingEvents()
	require.Len(t, events, 1)
	assert.Equal(t, message.EventTaskUnassigned, events[0].Metadata.EventType)
}

func TestClearPendingEvents(t *testing.T) {
	tk := mustCreate(t)
	require.NotEmpty(t, tk.PendingEvents())
	tk.ClearPendingEvents()
	assert.Empty(t, tk.PendingEvents())
}

func TestPendingEventsReturnsCopy(t *testing.T) {
	tk := mustCreate(t)
	events := tk.PendingEvents()
	events[0] = message.Event{}
	assert.Equal(t, message.EventTaskCreated, tk.PendingEvents()[0].Metadata.EventType)
}

func TestDueDateRoundTrips(t *testing.T) {
	due := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	created, err := New(CreateParams{Title: "dated", DueDate: &due})
	require.NoError(t, err)
	require.NotNil(t, created.DueDate)
	assert.True(t, created.DueDate.Equal(due))
}
