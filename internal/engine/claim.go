package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"allo/internal/domain"
	"allo/internal/events"
	"allo/internal/logging"
	"allo/internal/repo"
)

// ClaimInput is one claim submission.
type ClaimInput struct {
	TaskID    int64
	FirstName string `validate:"required,max=100"`
	LastName  string `validate:"required,max=100"`
	Phone     string `validate:"required,max=32"`
	Building  string `validate:"required,max=64"`
	Room      string `validate:"required,max=64"`
}

func (in ClaimInput) normalized() ClaimInput {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Phone = normalizePhone(in.Phone)
	in.Building = strings.TrimSpace(in.Building)
	in.Room = strings.TrimSpace(in.Room)
	return in
}

func (in ClaimInput) claimant() domain.Claimant {
	return domain.Claimant{
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Phone:     in.Phone,
		Building:  in.Building,
		Room:      in.Room,
	}
}

// ClaimResult is the Claimed outcome.
type ClaimResult struct {
	SlotID    int64  `json:"slot_id"`
	TaskID    int64  `json:"task_id"`
	ClaimedAt string `json:"claimed_at"`
	Message   string `json:"message"`
}

// TimeStatusAt places now against the task window. Unparseable bounds are
// treated as absent.
func TimeStatusAt(t domain.Task, now time.Time) domain.TimeStatus {
	if t.OpensAt != nil {
		if opens, err := repo.ParseTime(*t.OpensAt); err == nil && now.Before(opens) {
			return domain.TimeNotYet
		}
	}
	if t.ClosesAt != nil {
		if closes, err := repo.ParseTime(*t.ClosesAt); err == nil && now.After(closes) {
			return domain.TimeClosed
		}
	}
	return domain.TimeOpen
}

// AttemptClaim runs the precondition checks and then the single guarded
// update that hands the lowest free slot to the caller. The preconditions are
// advisory; only the update decides who wins.
func (e Engine) AttemptClaim(ctx context.Context, in ClaimInput) (ClaimResult, error) {
	in = in.normalized()
	if err := validateInput(in); err != nil {
		return ClaimResult{}, err
	}
	task, err := e.Repo.GetTask(ctx, in.TaskID)
	if err != nil {
		return ClaimResult{}, notFound(err, "task")
	}
	if task.Status != domain.TaskPublished {
		return ClaimResult{}, newError(KindNotAvailable, "this task is no longer available", map[string]any{"status": task.Status})
	}
	now := e.now()
	switch TimeStatusAt(task, now) {
	case domain.TimeNotYet:
		return ClaimResult{}, newError(KindWindowClosed, "this task is not open yet", map[string]any{"time_status": domain.TimeNotYet, "opens_at": task.OpensAt})
	case domain.TimeClosed:
		return ClaimResult{}, newError(KindWindowClosed, "this task is closed", map[string]any{"time_status": domain.TimeClosed, "closes_at": task.ClosesAt})
	}
	held, err := e.Repo.HasClaimOnTask(ctx, task.ID, in.Phone)
	if err != nil {
		return ClaimResult{}, err
	}
	if held {
		return ClaimResult{}, newError(KindDuplicateClaim, "you already claimed a slot on this task", nil)
	}
	active, err := e.Repo.CountActiveClaims(ctx, in.Phone)
	if err != nil {
		return ClaimResult{}, err
	}
	if limit := e.maxActiveClaims(); active >= limit {
		return ClaimResult{}, newError(KindRateLimited, "you already hold the maximum number of active claims", map[string]any{"active": active, "max": limit})
	}

	masked := logging.MaskPhone(in.Phone)
	claimedAt := repo.FormatTime(now)
	slotID, err := e.Repo.ClaimFreeSlot(ctx, task.ID, in.claimant(), claimedAt)
	if errors.Is(err, repo.ErrNoFreeSlot) {
		e.Events.Append(ctx, "claim.lost", "task", task.ID, masked, nil)
		return ClaimResult{}, newError(KindLost, "too late, every slot has already been claimed", nil)
	}
	if err != nil {
		return ClaimResult{}, err
	}
	e.Events.Append(ctx, "claim.won", "slot", slotID, masked, events.EventPayload{"task_id": task.ID})

	if err := e.Repo.UpsertIdentity(ctx, domain.Identity{Phone: in.Phone, FirstName: in.FirstName, LastName: in.LastName}, claimedAt); err != nil {
		e.logger().WithContext(ctx).WithError(err).WithField("phone", masked).Warn("identity upsert failed")
	}
	return ClaimResult{
		SlotID:    slotID,
		TaskID:    task.ID,
		ClaimedAt: claimedAt,
		Message:   "Slot claimed: " + task.Title,
	}, nil
}
