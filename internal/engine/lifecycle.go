package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"allo/internal/domain"
	"allo/internal/events"
	"allo/internal/repo"
)

// TaskDetails are the editable fields of a task.
type TaskDetails struct {
	Title       string `validate:"required,max=200"`
	Description string `validate:"max=5000"`
	Conditions  string `validate:"max=5000"`
	Theme       string
	OpensAt     *time.Time
	ClosesAt    *time.Time
}

// TaskInput creates a task with a fixed number of slots.
type TaskInput struct {
	TaskDetails
	Slots int `validate:"gte=1,lte=500"`
}

func (d TaskDetails) normalized() TaskDetails {
	d.Title = strings.TrimSpace(d.Title)
	d.Description = strings.TrimSpace(d.Description)
	d.Conditions = strings.TrimSpace(d.Conditions)
	return d
}

func (d TaskDetails) check() error {
	if d.OpensAt != nil && d.ClosesAt != nil && d.OpensAt.After(*d.ClosesAt) {
		return newError(KindInvalidInput, "opens_at must not be after closes_at", map[string]any{"fields": map[string]any{"opens_at": "must not be after closes_at"}})
	}
	return nil
}

func (d TaskDetails) apply(t *domain.Task) {
	t.Title = d.Title
	t.Description = d.Description
	t.Conditions = d.Conditions
	t.Theme = domain.ParseTheme(d.Theme)
	t.OpensAt = formatOptional(d.OpensAt)
	t.ClosesAt = formatOptional(d.ClosesAt)
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := repo.FormatTime(*t)
	return &s
}

// CreateTask inserts a DRAFT task in the actor's group with its empty slots.
func (e Engine) CreateTask(ctx context.Context, actor Actor, in TaskInput) (domain.Task, error) {
	in.TaskDetails = in.TaskDetails.normalized()
	if err := validateInput(in); err != nil {
		return domain.Task{}, err
	}
	if err := in.check(); err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{
		BdeListID: actor.BdeListID,
		Status:    domain.TaskDraft,
		CreatedBy: actor.UserID,
		CreatedAt: repo.FormatTime(e.now()),
	}
	in.apply(&task)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertTaskTx(ctx, tx, task)
	if err != nil {
		return domain.Task{}, err
	}
	task.ID = id
	if err := e.Repo.InsertEmptySlotsTx(ctx, tx, id, in.Slots); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Events.Append(ctx, "task.created", "task", id, actor.String(), events.EventPayload{"slots": in.Slots, "theme": task.Theme})
	return task, nil
}

// UpdateTask rewrites title, description, conditions, theme and window.
// The slot count is fixed at creation.
func (e Engine) UpdateTask(ctx context.Context, actor Actor, id int64, d TaskDetails) (domain.Task, error) {
	d = d.normalized()
	if err := validateInput(d); err != nil {
		return domain.Task{}, err
	}
	if err := d.check(); err != nil {
		return domain.Task{}, err
	}
	task, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, notFound(err, "task")
	}
	if err := ensureCreator(task, actor); err != nil {
		return domain.Task{}, err
	}
	d.apply(&task)
	if err := e.Repo.UpdateTaskDetails(ctx, task); err != nil {
		return domain.Task{}, notFound(err, "task")
	}
	e.Events.Append(ctx, "task.updated", "task", id, actor.String(), nil)
	return task, nil
}

func ensureCreator(t domain.Task, actor Actor) error {
	if t.CreatedBy != actor.UserID {
		return newError(KindForbidden, "only the task creator can do this", nil)
	}
	return nil
}

func ensureSameGroup(bdeListID int64, actor Actor) error {
	if bdeListID != actor.BdeListID {
		return newError(KindForbidden, "this task belongs to another group", nil)
	}
	return nil
}

// PublishTask moves a task to PUBLISHED, stamps published_at and runs the
// publish hooks in the same transaction.
func (e Engine) PublishTask(ctx context.Context, actor Actor, id int64) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return domain.Task{}, notFound(err, "task")
	}
	if err := ensureCreator(task, actor); err != nil {
		return domain.Task{}, err
	}
	previous := task.Status
	publishedAt := repo.FormatTime(e.now())
	if err := e.Repo.SetTaskStatusTx(ctx, tx, id, domain.TaskPublished, &publishedAt); err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskPublished
	task.PublishedAt = &publishedAt
	for _, h := range e.Hooks {
		if err := h.OnPublish(ctx, tx, task, previous); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Events.Append(ctx, "task.published", "task", id, actor.String(), events.EventPayload{"from": previous})
	return task, nil
}

// CloseTask stops claims on a published task. Existing claims are kept.
func (e Engine) CloseTask(ctx context.Context, actor Actor, id int64) (domain.Task, error) {
	return e.flipStatus(ctx, actor, id, domain.TaskClosed, "task.closed")
}

// ReopenTask makes a task claimable again without re-running publish hooks.
// A task that was never published must go through PublishTask.
func (e Engine) ReopenTask(ctx context.Context, actor Actor, id int64) (domain.Task, error) {
	return e.flipStatus(ctx, actor, id, domain.TaskPublished, "task.reopened")
}

func (e Engine) flipStatus(ctx context.Context, actor Actor, id int64, to domain.TaskStatus, evt string) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, notFound(err, "task")
	}
	if err := ensureCreator(task, actor); err != nil {
		return domain.Task{}, err
	}
	if task.Status == domain.TaskDraft || task.PublishedAt == nil {
		return domain.Task{}, newError(KindConflict, "task has never been published", map[string]any{"status": task.Status})
	}
	if err := e.Repo.SetTaskStatusTx(ctx, nil, id, to, nil); err != nil {
		return domain.Task{}, notFound(err, "task")
	}
	from := task.Status
	task.Status = to
	e.Events.Append(ctx, evt, "task", id, actor.String(), events.EventPayload{"from": from})
	return task, nil
}

// AssignTask sets or clears the operator in charge of a task. The assignee
// must belong to the task's group.
func (e Engine) AssignTask(ctx context.Context, actor Actor, id int64, assignee *int64) (domain.Task, error) {
	task, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, notFound(err, "task")
	}
	if err := ensureSameGroup(task.BdeListID, actor); err != nil {
		return domain.Task{}, err
	}
	if assignee != nil && *assignee == 0 {
		assignee = nil
	}
	if assignee != nil {
		u, err := e.Repo.GetUser(ctx, *assignee)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
		if err != nil || u.BdeListID != task.BdeListID {
			return domain.Task{}, newError(KindInvalidInput, "assignee must be a member of the task's group", map[string]any{"assigned_to": *assignee})
		}
	}
	if err := e.Repo.SetAssignee(ctx, id, assignee); err != nil {
		return domain.Task{}, notFound(err, "task")
	}
	task.AssignedTo = assignee
	var assignedTo any
	if assignee != nil {
		assignedTo = *assignee
	}
	e.Events.Append(ctx, "task.assigned", "task", id, actor.String(), events.EventPayload{"assigned_to": assignedTo})
	return task, nil
}

// DeleteTask removes a task and all of its slots.
func (e Engine) DeleteTask(ctx context.Context, actor Actor, id int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return notFound(err, "task")
	}
	if err := ensureCreator(task, actor); err != nil {
		return err
	}
	if err := e.Repo.DeleteSlotsTx(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteTaskTx(ctx, tx, id); err != nil {
		return notFound(err, "task")
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Events.Append(ctx, "task.deleted", "task", id, actor.String(), nil)
	return nil
}
