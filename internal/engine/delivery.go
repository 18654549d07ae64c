package engine

import (
	"context"

	"allo/internal/domain"
	"allo/internal/events"
)

// slotInGroup loads a slot and checks that its task belongs to the actor's
// group.
func (e Engine) slotInGroup(ctx context.Context, actor Actor, slotID int64) (domain.Slot, error) {
	slot, err := e.Repo.GetSlot(ctx, slotID)
	if err != nil {
		return domain.Slot{}, notFound(err, "slot")
	}
	task, err := e.Repo.GetTask(ctx, slot.TaskID)
	if err != nil {
		return domain.Slot{}, notFound(err, "task")
	}
	if err := ensureSameGroup(task.BdeListID, actor); err != nil {
		return domain.Slot{}, err
	}
	return slot, nil
}

// SetDeliveryStatus moves a claimed slot through TODO, IN_PROGRESS and
// DELIVERED. Any target is allowed, including a reset to TODO.
func (e Engine) SetDeliveryStatus(ctx context.Context, actor Actor, slotID int64, status domain.DeliveryStatus) (domain.Slot, error) {
	switch status {
	case domain.DeliveryTodo, domain.DeliveryInProgress, domain.DeliveryDelivered:
	default:
		return domain.Slot{}, errorf(KindInvalidInput, "unknown delivery status %q", status)
	}
	slot, err := e.slotInGroup(ctx, actor, slotID)
	if err != nil {
		return domain.Slot{}, err
	}
	if !slot.Claimed() {
		return domain.Slot{}, newError(KindConflict, "slot is not claimed", nil)
	}
	if err := e.Repo.SetDeliveryStatus(ctx, slotID, status); err != nil {
		return domain.Slot{}, notFound(err, "slot")
	}
	from := slot.DeliveryStatus
	slot.DeliveryStatus = status
	e.Events.Append(ctx, "slot.delivery", "slot", slotID, actor.String(), events.EventPayload{"from": from, "to": status})
	return slot, nil
}

// Unclaim frees a slot. Every claim field is cleared and delivery goes back
// to TODO whatever it was.
func (e Engine) Unclaim(ctx context.Context, actor Actor, slotID int64) (domain.Slot, error) {
	slot, err := e.slotInGroup(ctx, actor, slotID)
	if err != nil {
		return domain.Slot{}, err
	}
	if err := e.Repo.ClearClaim(ctx, slotID); err != nil {
		return domain.Slot{}, notFound(err, "slot")
	}
	e.Events.Append(ctx, "slot.unclaimed", "slot", slotID, actor.String(), events.EventPayload{"task_id": slot.TaskID})
	return domain.Slot{ID: slot.ID, TaskID: slot.TaskID, DeliveryStatus: domain.DeliveryTodo}, nil
}
