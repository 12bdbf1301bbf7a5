package message

// Version is the envelope schema version stamped on every event and command.
const Version = "1.0"

// Event types. The string doubles as the routing key on the event channel.
const (
	EventTaskCreated       = "task.created"
	EventTaskAssigned      = "task.assigned"
	EventTaskUnassigned    = "task.unassigned"
	EventTaskStatusChanged = "task.status_changed"
	EventTaskCompleted     = "task.completed"
	EventTaskCanceled      = "task.canceled"
	EventTaskCommentAdded  = "task.comment_added"

	EventTaskScanInitiated = "task.scan_initiated"
	EventTaskScanCompleted = "task.scan_completed"

	EventClarificationRequested    = "requirement.clarification_requested"
	EventProductRequirementCreated = "requirement.created"
	EventHumanValidationRequested  = "requirement.validation_requested"
	EventRequirementApproved       = "requirement.approved"

	EventWorkflowCompleted = "workflow.completed"
)

// Command types. The string doubles as the routing key (and the default
// queue name) on the command channel.
const (
	CommandCreateTask            = "create_task"
	CommandUpdateTaskStatus      = "update_task_status"
	CommandAssignTask            = "assign_task"
	CommandUnassignTask          = "unassign_task"
	CommandAddTaskComment        = "add_task_comment"
	CommandQueryTasks            = "query_tasks"
	CommandLinkRequirementToTask = "link_requirement_to_task"
	CommandSendNotification      = "send_notification"
)

// Notification types carried in SendNotification payloads.
const (
	NotificationClarificationRequested = "CLARIFICATION_REQUESTED"
	NotificationPRDValidationRequested = "PRD_VALIDATION_REQUESTED"
)
