package service

import (
	"context"
	"fmt"

	"github.com/c360studio/taskhive/bus"
	"github.com/c360studio/taskhive/message"
	"github.com/c360studio/taskhive/repository"
	"github.com/c360studio/taskhive/task"
)

// HandlerWrapper decorates a command handler, typically with the retry
// controller. Identity when nil.
type HandlerWrapper func(bus.CommandHandler) bus.CommandHandler

// RegisterCommandHandlers subscribes the service to every command it
// executes. wrap, when non-nil, decorates each handler before subscription.
func (s *TaskService) RegisterCommandHandlers(ctx context.Context, wrap HandlerWrapper) error {
	if wrap == nil {
		wrap = func(h bus.CommandHandler) bus.CommandHandler { return h }
	}
	subscriptions := map[string]bus.CommandHandler{
		message.CommandCreateTask:            s.handleCreateTask,
		message.CommandUpdateTaskStatus:      s.handleUpdateTaskStatus,
		message.CommandAssignTask:            s.handleAssignTask,
		message.CommandUnassignTask:          s.handleUnassignTask,
		message.CommandAddTaskComment:        s.handleAddTaskComment,
		message.CommandLinkRequirementToTask: s.handleLinkRequirement,
		message.CommandQueryTasks:            s.handleQueryTasks,
		message.CommandSendNotification:      s.handleSendNotification,
	}
	for commandType, handler := range subscriptions {
		if err := s.bus.SubscribeToCommand(ctx, commandType, wrap(handler)); err != nil {
			return fmt.Errorf("subscribe to %s: %w", commandType, err)
		}
	}
	return nil
}

// commandOpts threads the command's workflow identity into the events its
// execution produces.
func commandOpts(cmd message.Command) publishOpts {
	return publishOpts{
		correlationID: cmd.Metadata.CorrelationID,
		causationID:   cmd.Metadata.CommandID,
	}
}

func (s *TaskService) handleCreateTask(ctx context.Context, cmd message.Command) error {
	p, err := message.DecodePayload[message.TaskCreatedPayload](cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: create_task payload: %v", task.ErrValidation, err)
	}
	t, err := task.New(task.CreateParams{
		Title:           p.Title,
		Description:     p.Description,
		Priority:        task.Priority(p.Priority),
		CreatedBy:       p.CreatedBy,
		DueDate:         p.DueDate,
		RequirementsIDs: p.RequirementsIDs,
		ParentTaskID:    p.ParentTaskID,
		Tags:            p.Tags,
	})
	if err != nil {
		return err
	}
	opts := commandOpts(cmd)
	if opts.correlationID == "" {
		opts.correlationID = t.TaskID
	}
	return s.persistAndPublish(ctx, t, opts)
}

func (s *TaskService) handleUpdateTaskStatus(ctx context.Context, cmd message.Command) error {
	p, err := message.DecodePayload[message.UpdateTaskStatusPayload](cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: update_task_status payload: %v", task.ErrValidation, err)
	}
	next, err := task.ParseStatus(p.NewStatus)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, "update_status", p.TaskID, commandOpts(cmd), func(t *task.Task) error {
		if err := t.ChangeStatus(next, p.ChangedBy, p.Comment, nil); err != nil {
			return err
		}
		if p.Comment != "" {
			return t.AddComment(p.ChangedBy, p.Comment, nil)
		}
		return nil
	})
	return err
}

func (s *TaskService) handleAssignTask(ctx context.Context, cmd message.Command) error {
	p, err := message.DecodePayload[message.AssignTaskPayload](cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: assign_task payload: %v", task.ErrValidation, err)
	}
	_, err = s.mutate(ctx, "assign", p.TaskID, commandOpts(cmd), func(t *task.Task) error {
		return t.Assign(p.AgentID, p.AssignedBy, p.AssignmentReason)
	})
	return err
}

func (s *TaskService) handleUnassignTask(ctx context.Context, cmd message.Command) error {
	p, err := message.DecodePayload[message.UnassignTaskPayload](cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: unassign_task payload: %v", task.ErrValidation, err)
	}
	_, err = s.mutate(ctx, "unassign", p.TaskID, commandOpts(cmd), func(t *task.Task) error {
		return t.Unassign(p.UnassignedBy, p.Reason)
	})
	return err
}

func (s *TaskService) handleAddTaskComment(ctx context.Context, cmd message.Command) error {
	p, err := message.DecodePayload[message.AddTaskCommentPayload](cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: add_task_comment payload: %v", task.ErrValidation, err)
	}
	_, err = s.mutate(ctx, "add_comment", p.TaskID, commandOpts(cmd), func(t *task.Task) error {
		return t.AddComment(p.Author, p.Comment, p.ClarificationQuestions)
	})
	return err
}

func (s *TaskService) handleLinkRequirement(ctx context.Context, cmd message.Command) error {
	p, err := message.DecodePayload[message.LinkRequirementToTaskPayload](cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: link_requirement_to_task payload: %v", task.ErrValidation, err)
	}
	_, err = s.mutate(ctx, "link_requirement", p.TaskID, commandOpts(cmd), func(t *task.Task) error {
		return t.LinkRequirement(p.RequirementID)
	})
	return err
}

// handleQueryTasks executes the query for observability. The scanner and
// poller read the repository through TaskFinder; the command exists so the
// query intent is visible on the bus and in the event log.
func (s *TaskService) handleQueryTasks(ctx context.Context, cmd message.Command) error {
	p, err := message.DecodePayload[message.QueryTasksPayload](cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: query_tasks payload: %v", task.ErrValidation, err)
	}
	criteria := repository.Criteria{
		Assignee:  p.AssignedTo,
		CreatedBy: p.CreatedBy,
	}
	if p.Status != "" {
		criteria.Status = task.Status(p.Status)
	}
	if p.Tag != "" {
		criteria.Tags = []string{p.Tag}
	}

	var matched int
	if len(p.StatusIn) > 0 {
		for _, status := range p.StatusIn {
			criteria.Status = task.Status(status)
			found, err := s.repo.FindByCriteria(ctx, criteria)
			if err != nil {
				return err
			}
			matched += len(found)
		}
	} else {
		found, err := s.repo.FindByCriteria(ctx, criteria)
		if err != nil {
			return err
		}
		matched = len(found)
	}
	s.logger.Debug("query_tasks executed",
		"status", p.Status, "status_in", p.StatusIn,
		"assigned_to", p.AssignedTo, "matched", matched,
		"correlation_id", cmd.Metadata.CorrelationID)
	return nil
}

func (s *TaskService) handleSendNotification(ctx context.Context, cmd message.Command) error {
	p, err := message.DecodePayload[message.SendNotificationPayload](cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: send_notification payload: %v", task.ErrValidation, err)
	}
	return s.notifier.Notify(ctx, p)
}
