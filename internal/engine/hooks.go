package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"allo/internal/config"
	"allo/internal/domain"
	"allo/internal/events"
	"allo/internal/logging"
	"allo/internal/repo"
)

// PublishHook runs inside the publish transaction after the status change.
// task carries the new status; previous is the status before publish.
type PublishHook interface {
	OnPublish(ctx context.Context, tx *sql.Tx, task domain.Task, previous domain.TaskStatus) error
}

// ReservationPolicy reserves one slot for a fixed identity when a task of the
// configured theme leaves DRAFT.
type ReservationPolicy struct {
	Repo     repo.Repo
	Theme    domain.Theme
	Claimant domain.Claimant
	Events   events.Writer
	Now      func() time.Time
}

func NewReservationPolicy(r repo.Repo, cfg config.Reservation, log *logrus.Logger) ReservationPolicy {
	first, last, _ := strings.Cut(strings.TrimSpace(cfg.Name), " ")
	return ReservationPolicy{
		Repo:  r,
		Theme: domain.ParseTheme(cfg.Theme),
		Claimant: domain.Claimant{
			FirstName: first,
			LastName:  strings.TrimSpace(last),
			Phone:     normalizePhone(cfg.Phone),
			Building:  strings.TrimSpace(cfg.Building),
			Room:      strings.TrimSpace(cfg.Room),
		},
		Events: events.Writer{Log: log},
		Now:    time.Now,
	}
}

// claimedAt stamps the reservation with the publish time so it shares the
// engine clock.
func (p ReservationPolicy) claimedAt(task domain.Task) string {
	if task.PublishedAt != nil {
		return *task.PublishedAt
	}
	if p.Now != nil {
		return repo.FormatTime(p.Now())
	}
	return repo.FormatTime(time.Now())
}

func (p ReservationPolicy) OnPublish(ctx context.Context, tx *sql.Tx, task domain.Task, previous domain.TaskStatus) error {
	if previous != domain.TaskDraft || task.Theme != p.Theme || p.Claimant.Phone == "" {
		return nil
	}
	held, err := p.Repo.HasClaimOnTaskTx(ctx, tx, task.ID, p.Claimant.Phone)
	if err != nil {
		return err
	}
	if held {
		return nil
	}
	slotID, err := p.Repo.ClaimFreeSlotTx(ctx, tx, task.ID, p.Claimant, p.claimedAt(task))
	if errors.Is(err, repo.ErrNoFreeSlot) {
		return nil
	}
	if err != nil {
		return err
	}
	p.Events.Append(ctx, "slot.reserved", "slot", slotID, logging.MaskPhone(p.Claimant.Phone), events.EventPayload{"task_id": task.ID})
	return nil
}
